package store

import (
	"context"
	"testing"
	"time"

	"judgeservice/internal/models"
)

func newJobForTest(userID, problemID, contestID uint32, score float64, created time.Time) models.Job {
	return models.Job{
		CreatedTime: created,
		UpdatedTime: created,
		Submission: models.Submission{
			Language:  "cat",
			UserID:    userID,
			ContestID: contestID,
			ProblemID: problemID,
		},
		State:  models.JobFinished,
		Result: models.ResultAccepted,
		Score:  score,
		Cases:  models.NewWaitingCases(1),
	}
}

func TestMemoryNewJobAllocatesDenseMonotoneIDs(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		job, err := m.NewJob(ctx, newJobForTest(0, 0, 0, 0, time.Now()))
		if err != nil {
			t.Fatalf("NewJob: %v", err)
		}
		if job.ID != uint32(i) {
			t.Fatalf("job %d: got id %d, want %d", i, job.ID, i)
		}
	}

	count, err := m.JobsCount(ctx)
	if err != nil {
		t.Fatalf("JobsCount: %v", err)
	}
	if count != 5 {
		t.Fatalf("got count %d, want 5", count)
	}
}

func TestMemoryGetLatestSubmission(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	j1 := newJobForTest(1, 1, 0, 50, base)
	j2 := newJobForTest(1, 1, 0, 10, base.Add(time.Hour))
	if _, err := m.NewJob(ctx, j1); err != nil {
		t.Fatal(err)
	}
	if _, err := m.NewJob(ctx, j2); err != nil {
		t.Fatal(err)
	}

	latest, err := m.GetLatestSubmission(ctx, 1, 1, 0)
	if err != nil {
		t.Fatalf("GetLatestSubmission: %v", err)
	}
	if latest == nil || latest.Score != 10 {
		t.Fatalf("got %+v, want the job created at base+1h (score 10)", latest)
	}
}

func TestMemoryGetHighestSubmissionTiesBreakByEarliest(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	earlier := newJobForTest(1, 1, 0, 100, base)
	later := newJobForTest(1, 1, 0, 100, base.Add(time.Hour))
	if _, err := m.NewJob(ctx, later); err != nil {
		t.Fatal(err)
	}
	if _, err := m.NewJob(ctx, earlier); err != nil {
		t.Fatal(err)
	}

	highest, err := m.GetHighestSubmission(ctx, 1, 1, 0)
	if err != nil {
		t.Fatalf("GetHighestSubmission: %v", err)
	}
	if highest == nil || !highest.CreatedTime.Equal(base) {
		t.Fatalf("got %+v, want the earlier of the two equal-score submissions", highest)
	}
}

func TestMemoryGetSubmissionCountMatchesFilteredJobCount(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := m.NewJob(ctx, newJobForTest(1, 1, 0, 0, time.Now())); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := m.NewJob(ctx, newJobForTest(2, 1, 0, 0, time.Now())); err != nil {
		t.Fatal(err)
	}

	count, err := m.GetSubmissionCount(ctx, 1, 1, 0)
	if err != nil {
		t.Fatalf("GetSubmissionCount: %v", err)
	}
	if count != 3 {
		t.Fatalf("got %d, want 3", count)
	}

	jobs, err := m.GetJobs(ctx, JobFilter{UserID: uptr(1), ProblemID: uptr(1)})
	if err != nil {
		t.Fatalf("GetJobs: %v", err)
	}
	if uint64(len(jobs)) != count {
		t.Fatalf("GetJobs returned %d rows, GetSubmissionCount said %d", len(jobs), count)
	}
}

func TestMemoryUserNameFilterResolvesToEmptyOnUnknownName(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.SeedUsers([]models.User{{ID: 0, Name: "alice"}})

	if _, err := m.NewJob(ctx, newJobForTest(0, 0, 0, 0, time.Now())); err != nil {
		t.Fatal(err)
	}

	unknown := "nobody"
	jobs, err := m.GetJobs(ctx, JobFilter{UserName: &unknown})
	if err != nil {
		t.Fatalf("GetJobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("got %d jobs for unknown user name, want 0", len(jobs))
	}
}

func TestMemoryRoundTripPreservesJob(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	in := newJobForTest(3, 4, 0, 75, time.Date(2026, 2, 2, 12, 0, 0, 0, time.UTC))
	created, err := m.NewJob(ctx, in)
	if err != nil {
		t.Fatal(err)
	}

	out, err := m.GetJob(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if out.Submission != created.Submission || out.Score != created.Score || out.Result != created.Result {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, created)
	}
}

func uptr(v uint32) *uint32 { return &v }
