// Package store is the durable job/contest/user store: Postgres-backed
// CRUD plus the filtered queries the dispatcher and ranklist engine
// need, and an in-memory implementation of the same interface for
// tests.
package store

import (
	"context"
	"time"

	"judgeservice/internal/models"
)

// JobFilter collects the optional, AND-combined filters accepted by
// GetJobs. A nil field means "no constraint on this column".
type JobFilter struct {
	UserID    *uint32
	UserName  *string
	ContestID *uint32
	ProblemID *uint32
	Language  *string
	From      *time.Time
	To        *time.Time
	State     *models.JobState
	Result    *models.JobResult
}

// Store is the durable persistence boundary used by the dispatcher,
// judger worker and ranklist engine. Every method that can fail due to
// a backend fault returns an *apperr.Error with code External; NotFound
// is used where the operation names a specific missing row.
type Store interface {
	JobsCount(ctx context.Context) (uint32, error)
	NewJob(ctx context.Context, job models.Job) (models.Job, error)
	UpdateJob(ctx context.Context, job models.Job) (models.Job, error)
	GetJob(ctx context.Context, id uint32) (models.Job, error)
	DoesJobExist(ctx context.Context, id uint32) (bool, error)
	GetJobs(ctx context.Context, filter JobFilter) ([]models.Job, error)
	GetLatestSubmission(ctx context.Context, userID, problemID, contestID uint32) (*models.Job, error)
	GetHighestSubmission(ctx context.Context, userID, problemID, contestID uint32) (*models.Job, error)
	GetSubmissionCount(ctx context.Context, userID, problemID, contestID uint32) (uint64, error)

	ContestsCount(ctx context.Context) (uint32, error)
	NewContest(ctx context.Context, contest models.Contest) (models.Contest, error)
	UpdateContest(ctx context.Context, contest models.Contest) (models.Contest, error)
	GetContest(ctx context.Context, id uint32) (models.Contest, error)

	UserCount(ctx context.Context) (uint32, error)
	GetUser(ctx context.Context, id uint32) (models.User, error)
	GetUsers(ctx context.Context) ([]models.User, error)
	GetSomeUsers(ctx context.Context, ids []uint32) ([]models.User, error)
	UpdateUser(ctx context.Context, user models.User) (models.User, error)
	GetIDByUsername(ctx context.Context, name string) (uint32, error)
}
