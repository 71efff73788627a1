// Package worker implements the judger: it consumes job ids from the
// work queue, compiles the submission, runs each test case as a
// supervised subprocess with a wall-clock timeout, compares output
// under the problem's normalization rule, and streams progress back to
// the job store.
package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"judgeservice/internal/logging"
	"judgeservice/internal/models"
	"judgeservice/internal/objectstore"
	"judgeservice/internal/queue"
	"judgeservice/internal/registry"
	"judgeservice/internal/store"
)

// CaseFileResolver opens a (possibly s3://) case file for reading,
// downloading it from object storage first when it is a remote ref.
type CaseFileResolver interface {
	Read(ctx context.Context, ref string) ([]byte, error)
}

// LocalFileResolver reads case files straight off the local
// filesystem; the default when no object store is configured.
type LocalFileResolver struct{}

func (LocalFileResolver) Read(ctx context.Context, ref string) ([]byte, error) {
	return os.ReadFile(ref)
}

// ObjectStoreResolver reads s3://bucket/key refs from MinIO and falls
// back to the local filesystem for everything else, so problem cases
// and worker scratch files can be mixed freely.
type ObjectStoreResolver struct {
	Store *objectstore.Store
}

func (r ObjectStoreResolver) Read(ctx context.Context, ref string) ([]byte, error) {
	if objectstore.IsRemoteRef(ref) {
		return r.Store.Download(ctx, ref)
	}
	return os.ReadFile(ref)
}

// Worker is one judger process: its own store connection, its own
// queue consumer, synchronous and single-threaded.
type Worker struct {
	ID               int
	store            store.Store
	registry         *registry.Registry
	queue            *queue.Client
	files            CaseFileResolver
	log              *logging.Logger
	workDir          string
	compileGraceTime time.Duration
	now              func() time.Time
}

type Option func(*Worker)

func WithCaseFileResolver(r CaseFileResolver) Option {
	return func(w *Worker) { w.files = r }
}

func WithWorkDir(dir string) Option {
	return func(w *Worker) { w.workDir = dir }
}

func WithCompileGraceTime(d time.Duration) Option {
	return func(w *Worker) { w.compileGraceTime = d }
}

func New(id int, st store.Store, reg *registry.Registry, q *queue.Client, log *logging.Logger, opts ...Option) *Worker {
	w := &Worker{
		ID:               id,
		store:            st,
		registry:         reg,
		queue:            q,
		files:            LocalFileResolver{},
		log:              log,
		workDir:          os.TempDir(),
		compileGraceTime: 30 * time.Second,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run consumes deliveries until ctx is canceled. Each delivery carries
// a 4-byte native-endian job id.
func (w *Worker) Run(ctx context.Context) error {
	consumerTag := fmt.Sprintf("judger-%d", w.ID)
	deliveries, err := w.queue.Consume(ctx, consumerTag)
	if err != nil {
		return fmt.Errorf("worker %d: consuming: %w", w.ID, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			w.handleDelivery(ctx, d)
		}
	}
}

func (w *Worker) handleDelivery(ctx context.Context, d amqp.Delivery) {
	jobID, err := queue.DecodeJobID(d.Body)
	if err != nil {
		w.log.Error("malformed job id on delivery", map[string]any{"error": err.Error()})
		queue.Nack(d, false)
		return
	}

	if err := w.processJob(ctx, jobID); err != nil {
		// Any store failure is fatal to the worker process so the
		// queue can redeliver to a healthy peer.
		w.log.Fatal("processing job failed fatally", map[string]any{"job_id": jobID, "error": err.Error()})
	}

	queue.Ack(d)
}

// processJob runs the compile+test-case pipeline for one job id. A
// non-nil error here is a store failure or a failure to set up the
// job's scratch directory or source file, and is treated as fatal by
// the caller; every other failure mode (compile error,
// per-case SystemError, WrongAnswer, ...) is folded into the job's
// own persisted result instead of being returned.
func (w *Worker) processJob(ctx context.Context, jobID uint32) error {
	job, err := w.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("loading job %d: %w", jobID, err)
	}
	if job.State == models.JobCanceled {
		return nil
	}

	lang := w.registry.GetLanguage(job.Submission.Language)
	problem := w.registry.GetProblem(job.Submission.ProblemID)
	if lang == nil || problem == nil {
		job.State = models.JobFinished
		job.Result = models.ResultSystemError
		job.Cases[0].Result = models.ResultSystemError
		return w.flush(ctx, &job)
	}

	dir, err := os.MkdirTemp(w.workDir, fmt.Sprintf("judge-%d-", jobID))
	if err != nil {
		return fmt.Errorf("creating work dir for job %d: %w", jobID, err)
	}
	defer os.RemoveAll(dir)

	sourcePath := filepath.Join(dir, lang.FileName)
	if err := os.WriteFile(sourcePath, []byte(job.Submission.SourceCode), 0o644); err != nil {
		return fmt.Errorf("writing source for job %d: %w", jobID, err)
	}
	execPath := filepath.Join(dir, "main")

	job.State = models.JobRunning
	if err := w.flush(ctx, &job); err != nil {
		return err
	}

	ok, err := w.compile(ctx, &job, lang, sourcePath, execPath, dir)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	overall := models.ResultAccepted
	for k, problemCase := range problem.Cases {
		caseIdx := k + 1
		result, err := w.runCase(ctx, execPath, problem, problemCase, caseIdx, dir)
		if err != nil {
			return err
		}
		job.Cases[caseIdx] = result
		if overall == models.ResultAccepted && result.Result != models.ResultAccepted {
			overall = result.Result
		}
		if result.Result == models.ResultAccepted {
			job.Score += problemCase.Score
		}
		if err := w.flush(ctx, &job); err != nil {
			return err
		}
	}

	job.State = models.JobFinished
	job.Result = overall
	return w.flush(ctx, &job)
}

// compile runs the compilation step. On success it sets cases[0] to
// CompilationSuccess and returns true. On failure it finalizes the job
// as CompilationError (leaving the remaining cases Waiting) and
// returns false; the caller must stop.
func (w *Worker) compile(ctx context.Context, job *models.Job, lang *models.Language, sourcePath, execPath, dir string) (bool, error) {
	argv := buildArgv(lang.Command, sourcePath, execPath)
	outcome := runCompile(ctx, argv, dir, w.compileGraceTime)
	job.Cases[0].Time = uint32(outcome.Elapsed.Microseconds())

	if !outcome.Exited || !outcome.ExitOK {
		job.Cases[0].Result = models.ResultCompilationError
		job.State = models.JobFinished
		job.Result = models.ResultCompilationError
		return false, w.flush(ctx, job)
	}

	job.Cases[0].Result = models.ResultCompilationSuccess
	if err := w.flush(ctx, job); err != nil {
		return false, err
	}
	return true, nil
}

// runCase executes and judges a single test case. It never returns a
// store error directly; I/O and execution failures become per-case
// SystemErrors, matching the "do not abort remaining cases" rule.
func (w *Worker) runCase(ctx context.Context, execPath string, problem *models.Problem, c models.Case, caseIdx int, dir string) (models.CaseResult, error) {
	caseID := uint32(caseIdx)

	if problem.Type != models.ProblemStandard && problem.Type != models.ProblemStrict {
		return models.CaseResult{ID: caseID, Result: models.ResultSystemError}, nil
	}

	outputPath := filepath.Join(dir, ".output")
	timeLimit := time.Duration(c.TimeLimitUs) * time.Microsecond

	inputPath, err := w.resolveCaseFile(ctx, c.InputFile, dir, fmt.Sprintf("input-%d", caseIdx))
	if err != nil {
		return models.CaseResult{ID: caseID, Result: models.ResultSystemError}, nil
	}

	outcome, err := runTestCase(ctx, execPath, inputPath, outputPath, timeLimit)
	if err != nil {
		return models.CaseResult{ID: caseID, Result: models.ResultSystemError}, nil
	}

	elapsedUs := uint32(outcome.Elapsed.Microseconds())

	switch {
	case outcome.TimedOut:
		if outcome.KillFailed {
			return models.CaseResult{ID: caseID, Result: models.ResultSystemError, Time: elapsedUs}, nil
		}
		return models.CaseResult{ID: caseID, Result: models.ResultTimeLimitExceeded, Time: elapsedUs}, nil
	case !outcome.Exited:
		return models.CaseResult{ID: caseID, Result: models.ResultSystemError, Time: elapsedUs}, nil
	case !outcome.ExitOK:
		return models.CaseResult{ID: caseID, Result: models.ResultRuntimeError, Time: elapsedUs}, nil
	}

	if c.TimeLimitUs != 0 && outcome.Elapsed > timeLimit {
		return models.CaseResult{ID: caseID, Result: models.ResultTimeLimitExceeded, Time: elapsedUs}, nil
	}

	output, err := w.files.Read(ctx, outputPath)
	if err != nil {
		return models.CaseResult{ID: caseID, Result: models.ResultSystemError, Time: elapsedUs}, nil
	}
	answer, err := w.files.Read(ctx, c.AnswerFile)
	if err != nil {
		return models.CaseResult{ID: caseID, Result: models.ResultSystemError, Time: elapsedUs}, nil
	}

	if compareOutputs(problem.Type == models.ProblemStandard, output, answer) {
		return models.CaseResult{ID: caseID, Result: models.ResultAccepted, Time: elapsedUs}, nil
	}
	return models.CaseResult{ID: caseID, Result: models.ResultWrongAnswer, Time: elapsedUs}, nil
}

// resolveCaseFile makes ref available as a local path that runTestCase
// can os.Open as stdin. Local paths pass through unchanged; remote
// (s3://) refs are downloaded through the configured file resolver and
// staged under dir, so input_file gets the same object-store support
// as answer_file already had.
func (w *Worker) resolveCaseFile(ctx context.Context, ref, dir, name string) (string, error) {
	if !objectstore.IsRemoteRef(ref) {
		return ref, nil
	}
	data, err := w.files.Read(ctx, ref)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (w *Worker) flush(ctx context.Context, job *models.Job) error {
	job.UpdatedTime = w.now().UTC()
	updated, err := w.store.UpdateJob(ctx, *job)
	if err != nil {
		return fmt.Errorf("flushing job %d: %w", job.ID, err)
	}
	*job = updated
	return nil
}
