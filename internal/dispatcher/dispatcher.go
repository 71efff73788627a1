// Package dispatcher validates new submissions, persists them in
// Queueing state and publishes their id to the work queue; it also
// handles rejudge (Finished→Queueing) and cancel (Queueing→Canceled).
package dispatcher

import (
	"context"
	"time"

	"judgeservice/internal/apperr"
	"judgeservice/internal/logging"
	"judgeservice/internal/models"
	"judgeservice/internal/queue"
	"judgeservice/internal/registry"
	"judgeservice/internal/store"
)

// Publisher is the narrow queue dependency the dispatcher needs,
// satisfied by *queue.Client.
type Publisher interface {
	PublishJob(ctx context.Context, routingKey string, jobID uint32) error
	PublishEvent(ctx context.Context, event models.EventMessage) error
}

// Dispatcher wires the config registry and job store to the work
// queue. Request handlers run on a cooperative runtime in the HTTP
// layer; every blocking call here is expected to be offloaded to a
// blocking-safe goroutine by that caller.
type Dispatcher struct {
	store    store.Store
	registry *registry.Registry
	queue    Publisher
	log      *logging.Logger
	now      func() time.Time
}

func New(st store.Store, reg *registry.Registry, q Publisher, log *logging.Logger) *Dispatcher {
	return &Dispatcher{store: st, registry: reg, queue: q, log: log, now: time.Now}
}

// NewJob validates the submission, persists it as Queueing, and
// publishes it onto the work queue.
func (d *Dispatcher) NewJob(ctx context.Context, submission models.Submission) (models.Job, error) {
	if !d.registry.LanguageExists(submission.Language) {
		return models.Job{}, apperr.Newf(apperr.NotFound, "language %q not found", submission.Language)
	}
	problem := d.registry.GetProblem(submission.ProblemID)
	if problem == nil {
		return models.Job{}, apperr.Newf(apperr.NotFound, "problem %d not found", submission.ProblemID)
	}
	if _, err := d.store.GetUser(ctx, submission.UserID); err != nil {
		return models.Job{}, apperr.Newf(apperr.NotFound, "user %d not found", submission.UserID)
	}

	if submission.ContestID != 0 {
		contest, err := d.store.GetContest(ctx, submission.ContestID)
		if err != nil {
			return models.Job{}, apperr.Newf(apperr.NotFound, "contest %d not found", submission.ContestID)
		}
		if !containsID(contest.UserIDs, submission.UserID) {
			return models.Job{}, apperr.New(apperr.InvalidArgument, "user is not registered for this contest")
		}
		if !containsID(contest.ProblemIDs, submission.ProblemID) {
			return models.Job{}, apperr.New(apperr.InvalidArgument, "problem is not part of this contest")
		}
		now := d.now().UTC()
		if now.Before(contest.From) {
			return models.Job{}, apperr.New(apperr.InvalidArgument, "contest hasn't yet begun")
		}
		if now.After(contest.To) {
			return models.Job{}, apperr.New(apperr.InvalidArgument, "contest has already ended")
		}
		count, err := d.store.GetSubmissionCount(ctx, submission.UserID, submission.ProblemID, submission.ContestID)
		if err != nil {
			return models.Job{}, err
		}
		if count >= uint64(contest.SubmissionLimit) {
			return models.Job{}, apperr.New(apperr.RateLimit, "submission limit reached for this problem")
		}
	}

	now := d.now().UTC()
	job := models.Job{
		CreatedTime: now,
		UpdatedTime: now,
		Submission:  submission,
		State:       models.JobQueueing,
		Result:      models.ResultWaiting,
		Score:       0,
		Cases:       models.NewWaitingCases(len(problem.Cases)),
	}

	job, err := d.store.NewJob(ctx, job)
	if err != nil {
		return models.Job{}, err
	}

	if d.queue != nil {
		if err := d.queue.PublishJob(ctx, queue.RoutingKey(), job.ID); err != nil {
			// The row is already Queueing; per the open question in the
			// design notes, this implementation does not roll it back.
			d.log.WithContext(ctx).WithJobID(job.ID).WithError(err).Error("publishing job to queue failed")
			return job, apperr.Wrap(apperr.External, "publishing job to queue", err)
		}
	}

	d.publishLifecycleEvent(ctx, job, "JobQueued")
	return job, nil
}

// Rejudge resets a Finished job back to Queueing and republishes it.
func (d *Dispatcher) Rejudge(ctx context.Context, id uint32) (models.Job, error) {
	job, err := d.store.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	if job.State != models.JobFinished {
		return models.Job{}, apperr.New(apperr.InvalidState, "job is not in Finished state")
	}

	problem := d.registry.GetProblem(job.Submission.ProblemID)
	if problem == nil {
		return models.Job{}, apperr.Newf(apperr.NotFound, "problem %d not found", job.Submission.ProblemID)
	}

	job.State = models.JobQueueing
	job.Result = models.ResultWaiting
	job.Score = 0
	job.Cases = models.NewWaitingCases(len(problem.Cases))
	job.UpdatedTime = d.now().UTC()

	job, err = d.store.UpdateJob(ctx, job)
	if err != nil {
		return models.Job{}, err
	}

	if d.queue != nil {
		if err := d.queue.PublishJob(ctx, queue.RoutingKey(), job.ID); err != nil {
			d.log.WithContext(ctx).WithJobID(job.ID).WithError(err).Error("publishing rejudge to queue failed")
			return job, apperr.Wrap(apperr.External, "publishing job to queue", err)
		}
	}

	d.publishLifecycleEvent(ctx, job, "JobRejudged")
	return job, nil
}

// Cancel transitions a Queueing job to Canceled. There is no
// queue-side cancellation; the worker checks state at pick-up time.
func (d *Dispatcher) Cancel(ctx context.Context, id uint32) (models.Job, error) {
	job, err := d.store.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	if job.State != models.JobQueueing {
		return models.Job{}, apperr.New(apperr.InvalidState, "job is not in Queueing state")
	}

	job.State = models.JobCanceled
	job.UpdatedTime = d.now().UTC()
	job, err = d.store.UpdateJob(ctx, job)
	if err != nil {
		return models.Job{}, err
	}

	d.publishLifecycleEvent(ctx, job, "JobCanceled")
	return job, nil
}

func (d *Dispatcher) publishLifecycleEvent(ctx context.Context, job models.Job, eventType string) {
	if d.queue == nil {
		return
	}
	err := d.queue.PublishEvent(ctx, models.EventMessage{
		EventType: eventType,
		Data: map[string]any{
			"job_id": job.ID,
			"state":  job.State.String(),
		},
		Timestamp: d.now().UTC(),
	})
	if err != nil {
		d.log.WithContext(ctx).WithJobID(job.ID).WithError(err).Warn("publishing lifecycle event failed")
	}
}

func containsID(ids []uint32, id uint32) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
