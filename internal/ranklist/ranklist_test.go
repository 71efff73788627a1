package ranklist

import (
	"context"
	"testing"
	"time"

	"judgeservice/internal/models"
	"judgeservice/internal/registry"
	"judgeservice/internal/store"
)

func abcRegistry() *registry.Registry {
	problems := []*models.Problem{
		{ID: 0, Name: "A"},
		{ID: 1, Name: "B"},
	}
	return registry.New(registry.ServerConfig{}, problems, nil)
}

func seedFinished(t *testing.T, st store.Store, userID, problemID uint32, score float64, created time.Time) models.Job {
	t.Helper()
	job, err := st.NewJob(context.Background(), models.Job{
		CreatedTime: created,
		UpdatedTime: created,
		Submission:  models.Submission{Language: "cat", UserID: userID, ProblemID: problemID},
		State:       models.JobFinished,
		Result:      models.ResultAccepted,
		Score:       score,
		Cases:       models.NewWaitingCases(1),
	})
	if err != nil {
		t.Fatal(err)
	}
	return job
}

func TestComputeRanksTotalsDescendingWithDefaultTies(t *testing.T) {
	st := store.NewMemory()
	st.SeedUsers([]models.User{{ID: 0, Name: "a"}, {ID: 1, Name: "b"}, {ID: 2, Name: "c"}})
	reg := abcRegistry()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	seedFinished(t, st, 0, 0, 100, base)
	seedFinished(t, st, 1, 0, 100, base)
	seedFinished(t, st, 2, 0, 80, base)

	entries, problemIDs, err := Compute(context.Background(), st, reg, 0, Latest, Default)
	if err != nil {
		t.Fatal(err)
	}
	if len(problemIDs) != 2 {
		t.Fatalf("got %d problems, want 2", len(problemIDs))
	}

	ranks := make(map[uint32]uint32, len(entries))
	for _, e := range entries {
		ranks[e.UserID] = e.Rank
	}
	if ranks[0] != 1 || ranks[1] != 1 || ranks[2] != 3 {
		t.Fatalf("got ranks %+v, want {0:1, 1:1, 2:3}", ranks)
	}
}

func TestComputeUserIDTieBreakerOrdersByAscendingID(t *testing.T) {
	st := store.NewMemory()
	st.SeedUsers([]models.User{{ID: 1, Name: "b"}, {ID: 2, Name: "a"}, {ID: 3, Name: "c"}})
	reg := abcRegistry()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// user 2 ("A" in the scenario) and user 1 ("B") both score 100; user 3 scores 80.
	seedFinished(t, st, 2, 0, 100, base)
	seedFinished(t, st, 1, 0, 100, base)
	seedFinished(t, st, 3, 0, 80, base)

	entries, _, err := Compute(context.Background(), st, reg, 0, Latest, UserID)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	if entries[0].UserID != 1 || entries[0].Rank != 1 {
		t.Fatalf("got first entry %+v, want user 1 rank 1", entries[0])
	}
	if entries[1].UserID != 2 || entries[1].Rank != 2 {
		t.Fatalf("got second entry %+v, want user 2 rank 2", entries[1])
	}
	if entries[2].UserID != 3 || entries[2].Rank != 3 {
		t.Fatalf("got third entry %+v, want user 3 rank 3", entries[2])
	}
}

func TestComputeHighestScoringRulePrefersEarliestOnTie(t *testing.T) {
	st := store.NewMemory()
	st.SeedUsers([]models.User{{ID: 0, Name: "a"}})
	reg := abcRegistry()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	seedFinished(t, st, 0, 0, 40, base)
	seedFinished(t, st, 0, 0, 90, base.Add(time.Hour))
	seedFinished(t, st, 0, 0, 90, base.Add(2*time.Hour))

	entries, _, err := Compute(context.Background(), st, reg, 0, Highest, Default)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Scores[0] != 90 {
		t.Fatalf("got %+v, want a single entry scoring 90 on problem 0", entries)
	}
}

func TestComputeLatestScoringRulePicksMostRecentSubmission(t *testing.T) {
	st := store.NewMemory()
	st.SeedUsers([]models.User{{ID: 0, Name: "a"}})
	reg := abcRegistry()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	seedFinished(t, st, 0, 0, 100, base)
	seedFinished(t, st, 0, 0, 10, base.Add(time.Hour))

	entries, _, err := Compute(context.Background(), st, reg, 0, Latest, Default)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Scores[0] != 10 {
		t.Fatalf("got %+v, want the later 10-point submission to win", entries)
	}
}

func TestComputeUserWithNoSubmissionsScoresZeroOnEveryProblem(t *testing.T) {
	st := store.NewMemory()
	st.SeedUsers([]models.User{{ID: 0, Name: "a"}, {ID: 1, Name: "b"}})
	reg := abcRegistry()

	seedFinished(t, st, 0, 0, 100, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	entries, _, err := Compute(context.Background(), st, reg, 0, Latest, Default)
	if err != nil {
		t.Fatal(err)
	}
	var forUser1 *Entry
	for i := range entries {
		if entries[i].UserID == 1 {
			forUser1 = &entries[i]
		}
	}
	if forUser1 == nil {
		t.Fatal("user 1 missing from ranklist")
	}
	for _, s := range forUser1.Scores {
		if s != 0 {
			t.Fatalf("got scores %+v for a user with no submissions, want all zero", forUser1.Scores)
		}
	}
}

func TestComputeRankMonotonicity(t *testing.T) {
	st := store.NewMemory()
	st.SeedUsers([]models.User{{ID: 0, Name: "a"}, {ID: 1, Name: "b"}, {ID: 2, Name: "c"}, {ID: 3, Name: "d"}})
	reg := abcRegistry()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	seedFinished(t, st, 0, 0, 100, base)
	seedFinished(t, st, 1, 0, 90, base)
	seedFinished(t, st, 2, 1, 90, base)
	seedFinished(t, st, 3, 0, 50, base)

	entries, _, err := Compute(context.Background(), st, reg, 0, Latest, Default)
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Rank < entries[i-1].Rank {
			t.Fatalf("rank decreased between rows %d and %d: %+v", i-1, i, entries)
		}
		equalTotals := almostEqual(sum(entries[i].Scores), sum(entries[i-1].Scores))
		if entries[i].Rank == entries[i-1].Rank && !equalTotals {
			t.Fatalf("equal rank but unequal totals at rows %d,%d: %+v", i-1, i, entries)
		}
	}
}

func TestComputeNonGlobalContestRestrictsSelectionSet(t *testing.T) {
	st := store.NewMemory()
	st.SeedUsers([]models.User{{ID: 0, Name: "a"}, {ID: 1, Name: "b"}})
	reg := abcRegistry()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	contest, err := st.NewContest(context.Background(), models.Contest{
		Name:            "c1",
		From:            base.Add(-time.Hour),
		To:              base.Add(time.Hour),
		ProblemIDs:      []uint32{0},
		UserIDs:         []uint32{0},
		SubmissionLimit: 10,
	})
	if err != nil {
		t.Fatal(err)
	}

	in, err := st.NewJob(context.Background(), models.Job{
		CreatedTime: base,
		UpdatedTime: base,
		Submission:  models.Submission{Language: "cat", UserID: 0, ContestID: contest.ID, ProblemID: 0},
		State:       models.JobFinished,
		Result:      models.ResultAccepted,
		Score:       70,
		Cases:       models.NewWaitingCases(1),
	})
	if err != nil {
		t.Fatal(err)
	}
	_ = in

	// A submission by user 1 (not a contest member) must not appear.
	if _, err := st.NewJob(context.Background(), models.Job{
		CreatedTime: base,
		UpdatedTime: base,
		Submission:  models.Submission{Language: "cat", UserID: 1, ContestID: contest.ID, ProblemID: 0},
		State:       models.JobFinished,
		Result:      models.ResultAccepted,
		Score:       100,
		Cases:       models.NewWaitingCases(1),
	}); err != nil {
		t.Fatal(err)
	}

	entries, problemIDs, err := Compute(context.Background(), st, reg, contest.ID, Latest, Default)
	if err != nil {
		t.Fatal(err)
	}
	if len(problemIDs) != 1 || problemIDs[0] != 0 {
		t.Fatalf("got problem set %+v, want just problem 0", problemIDs)
	}
	if len(entries) != 1 || entries[0].UserID != 0 {
		t.Fatalf("got entries %+v, want only user 0", entries)
	}
}

func sum(scores []float64) float64 {
	var total float64
	for _, s := range scores {
		total += s
	}
	return total
}

func almostEqual(a, b float64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff < 1e-9
}
