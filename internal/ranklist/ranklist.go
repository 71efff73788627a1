// Package ranklist computes a contest's ranked standing table from its
// finished submissions. It reads the job store only; it never writes.
package ranklist

import (
	"context"
	"fmt"
	"sort"
	"time"

	"judgeservice/internal/models"
	"judgeservice/internal/registry"
	"judgeservice/internal/store"
)

// ScoringRule selects which submission on a (user, problem) pair
// contributes its score to the ranklist.
type ScoringRule int

const (
	Latest ScoringRule = iota
	Highest
)

func ParseScoringRule(s string) (ScoringRule, error) {
	switch s {
	case "", "latest":
		return Latest, nil
	case "highest":
		return Highest, nil
	default:
		return 0, fmt.Errorf("ranklist: unknown scoring rule %q", s)
	}
}

// TieBreaker orders users whose totals are equal.
type TieBreaker int

const (
	Default TieBreaker = iota
	SubmissionTime
	SubmissionCount
	UserID
)

func ParseTieBreaker(s string) (TieBreaker, error) {
	switch s {
	case "", "default":
		return Default, nil
	case "submission_time":
		return SubmissionTime, nil
	case "submission_count":
		return SubmissionCount, nil
	case "user_id":
		return UserID, nil
	default:
		return 0, fmt.Errorf("ranklist: unknown tie breaker %q", s)
	}
}

// problemResult is the aggregated metric triple for one (user, problem) pair.
type problemResult struct {
	score           float64
	submissionTime  time.Time
	submissionCount uint32
}

// row is one user's standing before rank assignment.
type row struct {
	userID  uint32
	total   float64
	results map[uint32]problemResult
}

// Entry is one ranked row of the response table.
type Entry struct {
	UserID uint32
	Rank   uint32
	Scores []float64
}

// Compute builds the ranklist for contest id (0 = global) under the
// given scoring rule and tie breaker. It also returns the problem ids
// it ranked over, and every entry's Scores slice follows that order:
// ascending ids of registry.Problems() for the global contest, or the
// contest's own problem_ids order (unknown ids dropped) otherwise.
func Compute(ctx context.Context, st store.Store, reg *registry.Registry, contestID uint32, rule ScoringRule, tie TieBreaker) ([]Entry, []uint32, error) {
	userIDs, problemIDs, err := selectionSet(ctx, st, reg, contestID)
	if err != nil {
		return nil, nil, err
	}

	jobs, err := st.GetJobs(ctx, store.JobFilter{ContestID: &contestID})
	if err != nil {
		return nil, nil, fmt.Errorf("ranklist: loading jobs: %w", err)
	}

	problemSet := toSet(problemIDs)
	rows := make(map[uint32]*row, len(userIDs))
	for _, uid := range userIDs {
		rows[uid] = &row{userID: uid, results: make(map[uint32]problemResult)}
	}

	for _, job := range jobs {
		if job.State != models.JobFinished {
			continue
		}
		uid := job.Submission.UserID
		pid := job.Submission.ProblemID
		r, ok := rows[uid]
		if !ok || !problemSet[pid] {
			continue
		}
		accumulate(r, pid, job, rule)
	}

	ordered := make([]*row, 0, len(rows))
	for _, uid := range userIDs {
		r := rows[uid]
		r.total = 0
		for _, pr := range r.results {
			r.total += pr.score
		}
		ordered = append(ordered, r)
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		if c := compare(tie, ordered[i], ordered[j]); c != 0 {
			return c < 0
		}
		return ordered[i].userID < ordered[j].userID
	})

	entries := make([]Entry, 0, len(ordered))
	var lastRank uint32
	for i, r := range ordered {
		var rank uint32
		if i == 0 {
			rank = 1
		} else if compare(tie, r, ordered[i-1]) == 0 {
			rank = lastRank
		} else {
			rank = uint32(i + 1)
		}
		lastRank = rank

		scores := make([]float64, len(problemIDs))
		for k, pid := range problemIDs {
			if pr, ok := r.results[pid]; ok {
				scores[k] = pr.score
			}
		}
		entries = append(entries, Entry{UserID: r.userID, Rank: rank, Scores: scores})
	}

	return entries, problemIDs, nil
}

// selectionSet resolves the (users, problems) pair a contest ranklist
// is computed over: every configured user/problem for the id-0
// pseudo-contest, or the contest's own membership lists otherwise,
// with unknown ids silently dropped.
func selectionSet(ctx context.Context, st store.Store, reg *registry.Registry, contestID uint32) ([]uint32, []uint32, error) {
	if contestID == 0 {
		users, err := st.GetUsers(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("ranklist: loading users: %w", err)
		}
		userIDs := make([]uint32, 0, len(users))
		for _, u := range users {
			userIDs = append(userIDs, u.ID)
		}
		problems := reg.Problems()
		problemIDs := make([]uint32, 0, len(problems))
		for _, p := range problems {
			problemIDs = append(problemIDs, p.ID)
		}
		sort.Slice(problemIDs, func(i, j int) bool { return problemIDs[i] < problemIDs[j] })
		return userIDs, problemIDs, nil
	}

	contest, err := st.GetContest(ctx, contestID)
	if err != nil {
		return nil, nil, fmt.Errorf("ranklist: loading contest %d: %w", contestID, err)
	}

	problemIDs := make([]uint32, 0, len(contest.ProblemIDs))
	for _, pid := range contest.ProblemIDs {
		if reg.ProblemExists(pid) {
			problemIDs = append(problemIDs, pid)
		}
	}
	return contest.UserIDs, problemIDs, nil
}

func toSet(ids []uint32) map[uint32]bool {
	set := make(map[uint32]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

// accumulate folds one finished job into the running per-problem
// metric for its user, applying the scoring rule's resolution tie
// (Latest keeps the most recent created_time; Highest keeps the
// maximum score, earliest created_time breaking ties) and always
// incrementing submission_count regardless of rule.
func accumulate(r *row, problemID uint32, job models.Job, rule ScoringRule) {
	existing, ok := r.results[problemID]
	if !ok {
		r.results[problemID] = problemResult{
			score:           job.Score,
			submissionTime:  job.CreatedTime,
			submissionCount: 1,
		}
		return
	}

	existing.submissionCount++
	switch rule {
	case Latest:
		if job.CreatedTime.After(existing.submissionTime) {
			existing.score = job.Score
			existing.submissionTime = job.CreatedTime
		}
	case Highest:
		if job.Score > existing.score || (job.Score == existing.score && job.CreatedTime.Before(existing.submissionTime)) {
			existing.score = job.Score
			existing.submissionTime = job.CreatedTime
		}
	}
	r.results[problemID] = existing
}

// compare orders two rows by descending total, then by tie breaker.
// Zero means the tie breaker declares them equal.
func compare(tie TieBreaker, a, b *row) int {
	switch {
	case a.total > b.total:
		return -1
	case a.total < b.total:
		return 1
	}

	switch tie {
	case Default:
		return 0
	case SubmissionTime:
		ta, oka := latestSubmission(a)
		tb, okb := latestSubmission(b)
		switch {
		case !oka && !okb:
			return 0
		case !oka:
			return 1
		case !okb:
			return -1
		case ta.Before(tb):
			return -1
		case ta.After(tb):
			return 1
		default:
			return 0
		}
	case SubmissionCount:
		ca, cb := totalSubmissions(a), totalSubmissions(b)
		switch {
		case ca < cb:
			return -1
		case ca > cb:
			return 1
		default:
			return 0
		}
	case UserID:
		switch {
		case a.userID < b.userID:
			return -1
		case a.userID > b.userID:
			return 1
		default:
			return 0
		}
	default:
		return 0
	}
}

func latestSubmission(r *row) (time.Time, bool) {
	var latest time.Time
	found := false
	for _, pr := range r.results {
		if !found || pr.submissionTime.After(latest) {
			latest = pr.submissionTime
			found = true
		}
	}
	return latest, found
}

func totalSubmissions(r *row) uint32 {
	var total uint32
	for _, pr := range r.results {
		total += pr.submissionCount
	}
	return total
}
