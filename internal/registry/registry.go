// Package registry loads the read-only problem/language configuration
// file (the --config document) and exposes lookups over it.
//
// Its shape is dictated byte-for-byte by the external interface, so it
// is decoded with encoding/json rather than a third-party codec.
package registry

import (
	"encoding/json"
	"fmt"
	"os"

	"judgeservice/internal/models"
)

// ServerConfig is the "server" section of the registry document.
type ServerConfig struct {
	BindAddress string `json:"bind_address"`
	BindPort    uint16 `json:"bind_port"`
}

type caseDoc struct {
	Score        float64 `json:"score"`
	InputFile    string  `json:"input_file"`
	AnswerFile   string  `json:"answer_file"`
	TimeLimit    uint32  `json:"time_limit"`
	MemoryLimit  uint32  `json:"memory_limit"`
}

type problemDoc struct {
	ID    uint32          `json:"id"`
	Name  string          `json:"name"`
	Type  string          `json:"type"`
	Misc  json.RawMessage `json:"misc,omitempty"`
	Cases []caseDoc       `json:"cases"`
}

type languageDoc struct {
	Name     string   `json:"name"`
	FileName string   `json:"file_name"`
	Command  []string `json:"command"`
}

type document struct {
	Server    ServerConfig  `json:"server"`
	Problems  []problemDoc  `json:"problems"`
	Languages []languageDoc `json:"languages"`
}

// Registry is the immutable, read-only config-registry. Lookups are
// served from maps built once at Load time; order of the source
// document never matters.
type Registry struct {
	Server    ServerConfig
	problems  map[uint32]*models.Problem
	languages map[string]*models.Language
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{BindAddress: "127.0.0.1", BindPort: 12345}
}

// Load reads and parses the JSON config document at path.
func Load(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: reading %s: %w", path, err)
	}
	var doc document
	doc.Server = defaultServerConfig()
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("registry: parsing %s: %w", path, err)
	}

	reg := &Registry{
		Server:    doc.Server,
		problems:  make(map[uint32]*models.Problem, len(doc.Problems)),
		languages: make(map[string]*models.Language, len(doc.Languages)),
	}

	for _, p := range doc.Problems {
		ptype, err := models.ParseProblemType(p.Type)
		if err != nil {
			return nil, fmt.Errorf("registry: problem %d: %w", p.ID, err)
		}
		cases := make([]models.Case, 0, len(p.Cases))
		for _, c := range p.Cases {
			cases = append(cases, models.Case{
				Score:       c.Score,
				InputFile:   c.InputFile,
				AnswerFile:  c.AnswerFile,
				TimeLimitUs: c.TimeLimit,
				MemoryLimit: c.MemoryLimit,
			})
		}
		reg.problems[p.ID] = &models.Problem{ID: p.ID, Name: p.Name, Type: ptype, Cases: cases}
	}

	for _, l := range doc.Languages {
		cmd := make([]string, len(l.Command))
		copy(cmd, l.Command)
		reg.languages[l.Name] = &models.Language{Name: l.Name, FileName: l.FileName, Command: cmd}
	}

	return reg, nil
}

// New builds a Registry directly from already-parsed problems and
// languages, bypassing the JSON document. Used by tests and by any
// caller assembling a registry from a source other than the config
// file (e.g. a migration tool seeding problems programmatically).
func New(server ServerConfig, problems []*models.Problem, languages []*models.Language) *Registry {
	reg := &Registry{
		Server:    server,
		problems:  make(map[uint32]*models.Problem, len(problems)),
		languages: make(map[string]*models.Language, len(languages)),
	}
	for _, p := range problems {
		reg.problems[p.ID] = p
	}
	for _, l := range languages {
		reg.languages[l.Name] = l
	}
	return reg
}

// GetProblem returns the problem with the given id, or nil if unknown.
func (r *Registry) GetProblem(id uint32) *models.Problem {
	return r.problems[id]
}

// GetLanguage returns the language with the given name, or nil if unknown.
func (r *Registry) GetLanguage(name string) *models.Language {
	return r.languages[name]
}

// ProblemExists reports whether id names a configured problem.
func (r *Registry) ProblemExists(id uint32) bool {
	_, ok := r.problems[id]
	return ok
}

// LanguageExists reports whether name is a configured language.
func (r *Registry) LanguageExists(name string) bool {
	_, ok := r.languages[name]
	return ok
}

// Problems returns every configured problem, in no particular order,
// for ranklist's global (contest id 0) problem set.
func (r *Registry) Problems() []*models.Problem {
	out := make([]*models.Problem, 0, len(r.problems))
	for _, p := range r.problems {
		out = append(out, p)
	}
	return out
}
