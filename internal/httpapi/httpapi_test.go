package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"judgeservice/internal/dispatcher"
	"judgeservice/internal/httpapi/auth"
	"judgeservice/internal/logging"
	"judgeservice/internal/models"
	"judgeservice/internal/registry"
	"judgeservice/internal/store"
)

const rbacModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && r.obj == p.obj && r.act == p.act || r.sub == p.sub && r.obj == p.obj && r.act == p.act
`

const rbacPolicy = `
p, user, job, create
p, user, job, read_own
p, user, contest, read
p, user, ranklist, read
p, author, job, rejudge
p, author, contest, create
p, author, contest, update
p, admin, job, cancel
p, admin, user, manage
p, admin, user, read
p, admin, system, exit
p, admin, judge, read
g, admin, author
g, author, user
`

func newAuthForTest(t *testing.T) *auth.Middleware {
	t.Helper()
	dir := t.TempDir()
	modelPath := filepath.Join(dir, "model.conf")
	policyPath := filepath.Join(dir, "policy.csv")
	if err := os.WriteFile(modelPath, []byte(rbacModel), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(policyPath, []byte(rbacPolicy), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := auth.New("test-secret", modelPath, policyPath)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func newServerForTest(t *testing.T) (*Server, *store.Memory, *auth.Middleware) {
	t.Helper()
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.json")
	doc := `{
		"problems": [{"id": 0, "name": "A+B", "type": "standard", "cases": [
			{"score": 100, "input_file": "1.in", "answer_file": "1.ans", "time_limit": 1000000, "memory_limit": 0}
		]}],
		"languages": [{"name": "cat", "file_name": "main.txt", "command": ["/bin/cp", "%INPUT%", "%OUTPUT%"]}]
	}`
	if err := os.WriteFile(configPath, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	reg, err := registry.Load(configPath)
	if err != nil {
		t.Fatal(err)
	}

	st := store.NewMemory()
	st.SeedUsers([]models.User{{ID: 0, Name: "alice"}, {ID: 1, Name: "admin"}})

	log := logging.New("test", logging.Error)
	disp := dispatcher.New(st, reg, nil, log)
	am := newAuthForTest(t)

	srv := NewServer(Dependencies{
		Store:      st,
		Registry:   reg,
		Dispatcher: disp,
		Log:        log,
		Auth:       am,
	})
	return srv, st, am
}

func bearerFor(t *testing.T, am *auth.Middleware, userID uint32, role models.UserRole) string {
	t.Helper()
	token, err := am.IssueToken(userID, role, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return "Bearer " + token
}

func doRequest(srv *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	rec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpointRequiresNoAuth(t *testing.T) {
	srv, _, _ := newServerForTest(t)
	rec := doRequest(srv, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
}

func TestCreateJobRequiresAuth(t *testing.T) {
	srv, _, _ := newServerForTest(t)
	rec := doRequest(srv, http.MethodPost, "/jobs", "", createJobRequest{Language: "cat", UserID: 0, ProblemID: 0, SourceCode: "x"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("got status %d, want 401", rec.Code)
	}
}

func TestCreateAndFetchJobRoundTrip(t *testing.T) {
	srv, _, am := newServerForTest(t)
	token := bearerFor(t, am, 0, models.RoleUser)

	rec := doRequest(srv, http.MethodPost, "/jobs", token, createJobRequest{
		Language: "cat", UserID: 0, ProblemID: 0, SourceCode: "hello",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("create job: got status %d, body %s", rec.Code, rec.Body.String())
	}
	var job models.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatal(err)
	}
	if job.State != models.JobQueueing {
		t.Fatalf("got state %v, want Queueing", job.State)
	}

	rec = doRequest(srv, http.MethodGet, "/jobs/0", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get job: got status %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestCancelJobForbiddenForUserRole(t *testing.T) {
	srv, _, am := newServerForTest(t)
	userToken := bearerFor(t, am, 0, models.RoleUser)

	rec := doRequest(srv, http.MethodPost, "/jobs", userToken, createJobRequest{
		Language: "cat", UserID: 0, ProblemID: 0, SourceCode: "hello",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("create job: got status %d", rec.Code)
	}

	rec = doRequest(srv, http.MethodDelete, "/jobs/0", userToken, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("got status %d, want 403 for a plain user canceling a job", rec.Code)
	}

	adminToken := bearerFor(t, am, 1, models.RoleAdmin)
	rec = doRequest(srv, http.MethodDelete, "/jobs/0", adminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin cancel: got status %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestRanklistEndpointReturnsProblemSetAndEntries(t *testing.T) {
	srv, st, am := newServerForTest(t)
	token := bearerFor(t, am, 0, models.RoleUser)

	if _, err := st.NewJob(context.Background(), models.Job{
		CreatedTime: time.Now().UTC(),
		UpdatedTime: time.Now().UTC(),
		Submission:  models.Submission{Language: "cat", UserID: 0, ProblemID: 0},
		State:       models.JobFinished,
		Result:      models.ResultAccepted,
		Score:       100,
		Cases:       models.NewWaitingCases(1),
	}); err != nil {
		t.Fatal(err)
	}

	rec := doRequest(srv, http.MethodGet, "/contests/0/ranklist", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		ProblemIDs []uint32 `json:"problem_ids"`
		Entries    []struct {
			UserID uint32    `json:"UserID"`
			Rank   uint32    `json:"Rank"`
			Scores []float64 `json:"Scores"`
		} `json:"entries"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.ProblemIDs) != 1 {
		t.Fatalf("got %d problems, want 1", len(resp.ProblemIDs))
	}
}

func TestJudgeStatusRequiresAdminAndDegradesWithoutQueueClient(t *testing.T) {
	srv, _, am := newServerForTest(t)
	userToken := bearerFor(t, am, 0, models.RoleUser)

	rec := doRequest(srv, http.MethodGet, "/judge/status", userToken, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("got status %d, want 403 for a plain user reading judge status", rec.Code)
	}

	adminToken := bearerFor(t, am, 1, models.RoleAdmin)
	rec = doRequest(srv, http.MethodGet, "/judge/status", adminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin judge status: got status %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(srv, http.MethodGet, "/judge/queue", adminToken, nil)
	if rec.Code == http.StatusOK {
		t.Fatalf("expected /judge/queue to report unavailable without a configured queue client")
	}
}
