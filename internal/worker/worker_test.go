package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"judgeservice/internal/logging"
	"judgeservice/internal/models"
	"judgeservice/internal/registry"
	"judgeservice/internal/store"
)

func writeCaseFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// catLanguage "compiles" a shell-script submission by copying it to the
// executable path and marking it executable.
func catLanguage() *models.Language {
	return &models.Language{Name: "cat", FileName: "main.sh", Command: []string{"/bin/sh", "-c", "cp %INPUT% %OUTPUT% && chmod +x %OUTPUT%"}}
}

func brokenLanguage() *models.Language {
	return &models.Language{Name: "broken", FileName: "main.txt", Command: []string{"/bin/false"}}
}

func newWorkerForTest(t *testing.T, reg *registry.Registry, st store.Store) *Worker {
	t.Helper()
	log := logging.New("test-worker", logging.Error)
	return New(0, st, reg, nil, log, WithWorkDir(t.TempDir()))
}

func seedJob(t *testing.T, st store.Store, sub models.Submission, numCases int) models.Job {
	t.Helper()
	job, err := st.NewJob(context.Background(), models.Job{
		CreatedTime: time.Now().UTC(),
		UpdatedTime: time.Now().UTC(),
		Submission:  sub,
		State:       models.JobQueueing,
		Result:      models.ResultWaiting,
		Cases:       models.NewWaitingCases(numCases),
	})
	if err != nil {
		t.Fatal(err)
	}
	return job
}

func TestProcessJobAccepted(t *testing.T) {
	dataDir := t.TempDir()
	in1 := writeCaseFile(t, dataDir, "1.in", "1\n")
	ans1 := writeCaseFile(t, dataDir, "1.ans", "1\n")
	in2 := writeCaseFile(t, dataDir, "2.in", "2\n")
	ans2 := writeCaseFile(t, dataDir, "2.ans", "2\n")

	problem := &models.Problem{
		ID:   0,
		Name: "echo",
		Type: models.ProblemStandard,
		Cases: []models.Case{
			{Score: 50, InputFile: in1, AnswerFile: ans1, TimeLimitUs: 1_000_000},
			{Score: 50, InputFile: in2, AnswerFile: ans2, TimeLimitUs: 1_000_000},
		},
	}
	reg := registry.New(registry.ServerConfig{}, []*models.Problem{problem}, []*models.Language{catLanguage()})

	st := store.NewMemory()
	job := seedJob(t, st, models.Submission{Language: "cat", SourceCode: "#!/bin/sh\ncat\n", ProblemID: 0}, 2)

	w := newWorkerForTest(t, reg, st)
	if err := w.processJob(context.Background(), job.ID); err != nil {
		t.Fatalf("processJob: %v", err)
	}

	got, err := st.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != models.JobFinished || got.Result != models.ResultAccepted || got.Score != 100 {
		t.Fatalf("got state=%v result=%v score=%v, want Finished/Accepted/100", got.State, got.Result, got.Score)
	}
	if got.Cases[0].Result != models.ResultCompilationSuccess {
		t.Fatalf("got compile result %v, want CompilationSuccess", got.Cases[0].Result)
	}
	if got.Cases[1].Result != models.ResultAccepted || got.Cases[2].Result != models.ResultAccepted {
		t.Fatalf("got cases %+v, want both Accepted", got.Cases)
	}
}

func TestProcessJobWrongAnswer(t *testing.T) {
	dataDir := t.TempDir()
	in1 := writeCaseFile(t, dataDir, "1.in", "1\n")
	ans1 := writeCaseFile(t, dataDir, "1.ans", "1\n")
	in2 := writeCaseFile(t, dataDir, "2.in", "2\n")
	ans2 := writeCaseFile(t, dataDir, "2.ans", "2\n")

	problem := &models.Problem{
		ID:   0,
		Type: models.ProblemStandard,
		Cases: []models.Case{
			{Score: 50, InputFile: in1, AnswerFile: ans1, TimeLimitUs: 1_000_000},
			{Score: 50, InputFile: in2, AnswerFile: ans2, TimeLimitUs: 1_000_000},
		},
	}
	reg := registry.New(registry.ServerConfig{}, []*models.Problem{problem}, []*models.Language{catLanguage()})

	st := store.NewMemory()
	// The program prints "1" whatever its input, so only case 1 matches.
	job := seedJob(t, st, models.Submission{Language: "cat", SourceCode: "#!/bin/sh\necho 1\n", ProblemID: 0}, 2)

	w := newWorkerForTest(t, reg, st)
	if err := w.processJob(context.Background(), job.ID); err != nil {
		t.Fatalf("processJob: %v", err)
	}

	got, err := st.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Result != models.ResultWrongAnswer || got.Score != 50 {
		t.Fatalf("got result=%v score=%v, want WrongAnswer/50", got.Result, got.Score)
	}
	if got.Cases[1].Result != models.ResultAccepted || got.Cases[2].Result != models.ResultWrongAnswer {
		t.Fatalf("got cases %+v, want [Accepted, WrongAnswer]", got.Cases)
	}
}

func TestProcessJobCompilationErrorLeavesRemainingCasesWaiting(t *testing.T) {
	problem := &models.Problem{
		ID:   0,
		Type: models.ProblemStandard,
		Cases: []models.Case{
			{Score: 100, InputFile: "unused", AnswerFile: "unused", TimeLimitUs: 1_000_000},
		},
	}
	reg := registry.New(registry.ServerConfig{}, []*models.Problem{problem}, []*models.Language{brokenLanguage()})

	st := store.NewMemory()
	job := seedJob(t, st, models.Submission{Language: "broken", SourceCode: "whatever", ProblemID: 0}, 1)

	w := newWorkerForTest(t, reg, st)
	if err := w.processJob(context.Background(), job.ID); err != nil {
		t.Fatalf("processJob: %v", err)
	}

	got, err := st.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Result != models.ResultCompilationError || got.Score != 0 {
		t.Fatalf("got result=%v score=%v, want CompilationError/0", got.Result, got.Score)
	}
	if got.Cases[0].Result != models.ResultCompilationError {
		t.Fatalf("got compile case %+v, want CompilationError", got.Cases[0])
	}
	if got.Cases[1].Result != models.ResultWaiting {
		t.Fatalf("got case 1 %+v, want it left Waiting", got.Cases[1])
	}
}

func TestProcessJobTimeLimitExceeded(t *testing.T) {
	dataDir := t.TempDir()
	in1 := writeCaseFile(t, dataDir, "1.in", "")
	ans1 := writeCaseFile(t, dataDir, "1.ans", "")

	problem := &models.Problem{
		ID:   0,
		Type: models.ProblemStandard,
		Cases: []models.Case{
			{Score: 100, InputFile: in1, AnswerFile: ans1, TimeLimitUs: 100_000},
		},
	}
	// The compiled "executable" is a shell script that sleeps for
	// longer than the 100ms case limit; the language's compile command
	// copies the submitted source verbatim and makes it executable, so
	// the exec step invokes it directly via its shebang, matching the
	// no-argument invocation the judger relies on.
	sleeper := &models.Language{
		Name:     "sleep",
		FileName: "main.sh",
		Command:  []string{"/bin/sh", "-c", "cp %INPUT% %OUTPUT% && chmod +x %OUTPUT%"},
	}
	reg := registry.New(registry.ServerConfig{}, []*models.Problem{problem}, []*models.Language{sleeper})

	st := store.NewMemory()
	job := seedJob(t, st, models.Submission{Language: "sleep", SourceCode: "#!/bin/sh\nsleep 5\n", ProblemID: 0}, 1)

	w := newWorkerForTest(t, reg, st)
	start := time.Now()
	if err := w.processJob(context.Background(), job.ID); err != nil {
		t.Fatalf("processJob: %v", err)
	}
	elapsed := time.Since(start)

	got, err := st.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Result != models.ResultTimeLimitExceeded {
		t.Fatalf("got result %v, want TimeLimitExceeded", got.Result)
	}
	if got.Cases[1].Result != models.ResultTimeLimitExceeded {
		t.Fatalf("got case 1 %+v, want TimeLimitExceeded", got.Cases[1])
	}
	if elapsed >= 5*time.Second {
		t.Fatalf("worker waited for the full sleep instead of killing at the timeout: %v", elapsed)
	}
}

func TestProcessJobCanceledJobIsSkipped(t *testing.T) {
	reg := registry.New(registry.ServerConfig{}, nil, []*models.Language{catLanguage()})
	st := store.NewMemory()
	job := seedJob(t, st, models.Submission{Language: "cat"}, 0)
	job.State = models.JobCanceled
	if _, err := st.UpdateJob(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	w := newWorkerForTest(t, reg, st)
	if err := w.processJob(context.Background(), job.ID); err != nil {
		t.Fatalf("processJob on canceled job should be a no-op, got: %v", err)
	}

	got, err := st.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != models.JobCanceled {
		t.Fatalf("canceled job state changed to %v", got.State)
	}
}

func TestNormalizeStandardTrimsTrailingWhitespacePerLine(t *testing.T) {
	got := normalizeStandard([]byte("1 \n2\t\n3\n\n"))
	want := "123"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestCompareOutputsStrictIsByteExact(t *testing.T) {
	if compareOutputs(false, []byte("1\n"), []byte("1")) {
		t.Fatal("strict comparison should not ignore a trailing newline difference")
	}
	if !compareOutputs(false, []byte("1\n"), []byte("1\n")) {
		t.Fatal("identical byte strings should compare equal under strict mode")
	}
}
