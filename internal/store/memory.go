package store

import (
	"context"
	"sort"
	"sync"

	"judgeservice/internal/apperr"
	"judgeservice/internal/models"
)

// Memory is an in-process Store used by unit tests in place of
// Postgres. It implements the exact same monotone-id and filter
// semantics as Postgres so tests exercise real dispatcher/ranklist
// logic against it.
type Memory struct {
	mu       sync.Mutex
	jobs     []models.Job
	contests []models.Contest
	users    []models.User
}

func NewMemory() *Memory {
	return &Memory{}
}

// SeedUsers installs the initial dense user set (test fixture helper).
func (m *Memory) SeedUsers(users []models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users = append([]models.User(nil), users...)
}

func (m *Memory) JobsCount(ctx context.Context) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint32(len(m.jobs)), nil
}

func (m *Memory) NewJob(ctx context.Context, job models.Job) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job.ID = uint32(len(m.jobs))
	m.jobs = append(m.jobs, job)
	return job, nil
}

func (m *Memory) UpdateJob(ctx context.Context, job models.Job) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.jobs {
		if m.jobs[i].ID == job.ID {
			m.jobs[i] = job
			return job, nil
		}
	}
	return models.Job{}, apperr.Newf(apperr.NotFound, "job %d not found", job.ID)
}

func (m *Memory) GetJob(ctx context.Context, id uint32) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.ID == id {
			return j, nil
		}
	}
	return models.Job{}, apperr.Newf(apperr.NotFound, "job %d not found", id)
}

func (m *Memory) DoesJobExist(ctx context.Context, id uint32) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.ID == id {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) GetJobs(ctx context.Context, filter JobFilter) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if filter.UserName != nil {
		var found *uint32
		for _, u := range m.users {
			if u.Name == *filter.UserName {
				id := u.ID
				found = &id
				break
			}
		}
		if found == nil {
			return nil, nil
		}
		filter.UserID = found
	}

	var out []models.Job
	for _, j := range m.jobs {
		if filter.UserID != nil && j.Submission.UserID != *filter.UserID {
			continue
		}
		if filter.ContestID != nil && j.Submission.ContestID != *filter.ContestID {
			continue
		}
		if filter.ProblemID != nil && j.Submission.ProblemID != *filter.ProblemID {
			continue
		}
		if filter.Language != nil && j.Submission.Language != *filter.Language {
			continue
		}
		if filter.From != nil && j.CreatedTime.Before(*filter.From) {
			continue
		}
		if filter.To != nil && j.CreatedTime.After(*filter.To) {
			continue
		}
		if filter.State != nil && j.State != *filter.State {
			continue
		}
		if filter.Result != nil && j.Result != *filter.Result {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (m *Memory) matching(userID, problemID, contestID uint32) []models.Job {
	var out []models.Job
	for _, j := range m.jobs {
		if j.Submission.UserID == userID && j.Submission.ProblemID == problemID && j.Submission.ContestID == contestID {
			out = append(out, j)
		}
	}
	return out
}

func (m *Memory) GetLatestSubmission(ctx context.Context, userID, problemID, contestID uint32) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	matches := m.matching(userID, problemID, contestID)
	if len(matches) == 0 {
		return nil, nil
	}
	best := matches[0]
	for _, j := range matches[1:] {
		if j.CreatedTime.After(best.CreatedTime) {
			best = j
		}
	}
	return &best, nil
}

func (m *Memory) GetHighestSubmission(ctx context.Context, userID, problemID, contestID uint32) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	matches := m.matching(userID, problemID, contestID)
	if len(matches) == 0 {
		return nil, nil
	}
	best := matches[0]
	for _, j := range matches[1:] {
		if j.Score > best.Score || (j.Score == best.Score && j.CreatedTime.Before(best.CreatedTime)) {
			best = j
		}
	}
	return &best, nil
}

func (m *Memory) GetSubmissionCount(ctx context.Context, userID, problemID, contestID uint32) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint64(len(m.matching(userID, problemID, contestID))), nil
}

func (m *Memory) ContestsCount(ctx context.Context) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint32(len(m.contests)), nil
}

func (m *Memory) NewContest(ctx context.Context, contest models.Contest) (models.Contest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	contest.ID = uint32(len(m.contests)) + 1
	m.contests = append(m.contests, contest)
	return contest, nil
}

func (m *Memory) UpdateContest(ctx context.Context, contest models.Contest) (models.Contest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.contests {
		if m.contests[i].ID == contest.ID {
			m.contests[i] = contest
			return contest, nil
		}
	}
	return models.Contest{}, apperr.Newf(apperr.NotFound, "contest %d not found", contest.ID)
}

func (m *Memory) GetContest(ctx context.Context, id uint32) (models.Contest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.contests {
		if c.ID == id {
			return c, nil
		}
	}
	return models.Contest{}, apperr.Newf(apperr.NotFound, "contest %d not found", id)
}

func (m *Memory) UserCount(ctx context.Context) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint32(len(m.users)), nil
}

func (m *Memory) GetUser(ctx context.Context, id uint32) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.ID == id {
			return u, nil
		}
	}
	return models.User{}, apperr.Newf(apperr.NotFound, "user %d not found", id)
}

func (m *Memory) GetUsers(ctx context.Context) ([]models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.User(nil), m.users...), nil
}

func (m *Memory) GetSomeUsers(ctx context.Context, ids []uint32) ([]models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[uint32]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []models.User
	for _, u := range m.users {
		if want[u.ID] {
			out = append(out, u)
		}
	}
	return out, nil
}

func (m *Memory) UpdateUser(ctx context.Context, user models.User) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.users {
		if m.users[i].ID == user.ID {
			m.users[i] = user
			return user, nil
		}
	}
	return models.User{}, apperr.Newf(apperr.NotFound, "user %d not found", user.ID)
}

func (m *Memory) GetIDByUsername(ctx context.Context, name string) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Name == name {
			return u.ID, nil
		}
	}
	return 0, apperr.Newf(apperr.NotFound, "user %q not found", name)
}

var _ Store = (*Memory)(nil)
