package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"judgeservice/internal/apperr"
	"judgeservice/internal/models"
)

// Postgres is the production Store backed by jmoiron/sqlx over
// lib/pq, matching the three-table layout of the external interface.
type Postgres struct {
	conn *sqlx.DB
}

// NewPostgres opens and pings the connection pool.
func NewPostgres(databaseURL string, maxOpenConns, maxIdleConns int, connMaxLifetime time.Duration) (*Postgres, error) {
	conn, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: connecting to postgres: %w", err)
	}
	conn.SetMaxOpenConns(maxOpenConns)
	conn.SetMaxIdleConns(maxIdleConns)
	conn.SetConnMaxLifetime(connMaxLifetime)
	return &Postgres{conn: conn}, nil
}

func (p *Postgres) Close() error { return p.conn.Close() }

func (p *Postgres) Ping(ctx context.Context) error { return p.conn.PingContext(ctx) }

var _ Store = (*Postgres)(nil)

// jobRow is the sqlx scan target for the jobs table; cases travels as a
// JSON blob and job_state/result as small integers.
type jobRow struct {
	ID          uint32    `db:"id"`
	CreatedTime time.Time `db:"created_time"`
	UpdatedTime time.Time `db:"updated_time"`
	SourceCode  string    `db:"source_code"`
	Lang        string    `db:"lang"`
	UserID      uint32    `db:"user_id"`
	ContestID   uint32    `db:"contest_id"`
	ProblemID   uint32    `db:"problem_id"`
	JobState    int       `db:"job_state"`
	Result      int       `db:"result"`
	Score       float64   `db:"score"`
	Cases       []byte    `db:"cases"`
}

func toJobRow(j models.Job) (jobRow, error) {
	cases, err := json.Marshal(j.Cases)
	if err != nil {
		return jobRow{}, fmt.Errorf("store: marshaling cases: %w", err)
	}
	return jobRow{
		ID:          j.ID,
		CreatedTime: j.CreatedTime,
		UpdatedTime: j.UpdatedTime,
		SourceCode:  j.Submission.SourceCode,
		Lang:        j.Submission.Language,
		UserID:      j.Submission.UserID,
		ContestID:   j.Submission.ContestID,
		ProblemID:   j.Submission.ProblemID,
		JobState:    int(j.State),
		Result:      int(j.Result),
		Score:       j.Score,
		Cases:       cases,
	}, nil
}

func (r jobRow) toJob() (models.Job, error) {
	var cases []models.CaseResult
	if err := json.Unmarshal(r.Cases, &cases); err != nil {
		return models.Job{}, fmt.Errorf("store: unmarshaling cases: %w", err)
	}
	return models.Job{
		ID:          r.ID,
		CreatedTime: r.CreatedTime,
		UpdatedTime: r.UpdatedTime,
		Submission: models.Submission{
			SourceCode: r.SourceCode,
			Language:   r.Lang,
			UserID:     r.UserID,
			ContestID:  r.ContestID,
			ProblemID:  r.ProblemID,
		},
		State:  models.JobState(r.JobState),
		Result: models.JobResult(r.Result),
		Score:  r.Score,
		Cases:  cases,
	}, nil
}

func (p *Postgres) JobsCount(ctx context.Context) (uint32, error) {
	var count uint32
	if err := p.conn.GetContext(ctx, &count, `SELECT COUNT(*) FROM jobs`); err != nil {
		return 0, apperr.Wrap(apperr.External, "counting jobs", err)
	}
	return count, nil
}

// NewJob allocates id = count(jobs) and inserts the row inside a
// transaction that takes an exclusive table lock first, so concurrent
// dispatchers serialize around the count-then-insert pair and the
// resulting ids stay dense and monotone.
func (p *Postgres) NewJob(ctx context.Context, job models.Job) (models.Job, error) {
	tx, err := p.conn.BeginTxx(ctx, nil)
	if err != nil {
		return models.Job{}, apperr.Wrap(apperr.External, "beginning new_job transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `LOCK TABLE jobs IN EXCLUSIVE MODE`); err != nil {
		return models.Job{}, apperr.Wrap(apperr.External, "locking jobs table", err)
	}

	var count uint32
	if err := tx.GetContext(ctx, &count, `SELECT COUNT(*) FROM jobs`); err != nil {
		return models.Job{}, apperr.Wrap(apperr.External, "counting jobs", err)
	}
	job.ID = count

	row, err := toJobRow(job)
	if err != nil {
		return models.Job{}, apperr.Wrap(apperr.Internal, "encoding job", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs
			(id, created_time, updated_time, source_code, lang, user_id, contest_id, problem_id, job_state, result, score, cases)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		row.ID, row.CreatedTime, row.UpdatedTime, row.SourceCode, row.Lang,
		row.UserID, row.ContestID, row.ProblemID, row.JobState, row.Result, row.Score, row.Cases,
	)
	if err != nil {
		return models.Job{}, apperr.Wrap(apperr.External, "inserting job", err)
	}

	if err := tx.Commit(); err != nil {
		return models.Job{}, apperr.Wrap(apperr.External, "committing new_job", err)
	}
	return job, nil
}

// UpdateJob replaces the full row keyed on id.
func (p *Postgres) UpdateJob(ctx context.Context, job models.Job) (models.Job, error) {
	row, err := toJobRow(job)
	if err != nil {
		return models.Job{}, apperr.Wrap(apperr.Internal, "encoding job", err)
	}
	res, err := p.conn.ExecContext(ctx, `
		UPDATE jobs SET
			updated_time=$2, source_code=$3, lang=$4, user_id=$5, contest_id=$6,
			problem_id=$7, job_state=$8, result=$9, score=$10, cases=$11
		WHERE id=$1`,
		row.ID, row.UpdatedTime, row.SourceCode, row.Lang, row.UserID, row.ContestID,
		row.ProblemID, row.JobState, row.Result, row.Score, row.Cases,
	)
	if err != nil {
		return models.Job{}, apperr.Wrap(apperr.External, "updating job", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.Job{}, apperr.Newf(apperr.NotFound, "job %d not found", job.ID)
	}
	return job, nil
}

func (p *Postgres) GetJob(ctx context.Context, id uint32) (models.Job, error) {
	var row jobRow
	err := p.conn.GetContext(ctx, &row, `
		SELECT id, created_time, updated_time, source_code, lang, user_id, contest_id, problem_id, job_state, result, score, cases
		FROM jobs WHERE id=$1`, id)
	if err == sql.ErrNoRows {
		return models.Job{}, apperr.Newf(apperr.NotFound, "job %d not found", id)
	}
	if err != nil {
		return models.Job{}, apperr.Wrap(apperr.External, "getting job", err)
	}
	return row.toJob()
}

func (p *Postgres) DoesJobExist(ctx context.Context, id uint32) (bool, error) {
	var exists bool
	err := p.conn.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM jobs WHERE id=$1)`, id)
	if err != nil {
		return false, apperr.Wrap(apperr.External, "checking job existence", err)
	}
	return exists, nil
}

func (p *Postgres) GetJobs(ctx context.Context, filter JobFilter) ([]models.Job, error) {
	var clauses []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.UserName != nil {
		var id uint32
		err := p.conn.GetContext(ctx, &id, `SELECT id FROM users WHERE user_name=$1`, *filter.UserName)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, apperr.Wrap(apperr.External, "resolving user_name", err)
		}
		filter.UserID = &id
	}
	if filter.UserID != nil {
		clauses = append(clauses, "user_id="+arg(*filter.UserID))
	}
	if filter.ContestID != nil {
		clauses = append(clauses, "contest_id="+arg(*filter.ContestID))
	}
	if filter.ProblemID != nil {
		clauses = append(clauses, "problem_id="+arg(*filter.ProblemID))
	}
	if filter.Language != nil {
		clauses = append(clauses, "lang="+arg(*filter.Language))
	}
	if filter.From != nil {
		clauses = append(clauses, "created_time>="+arg(*filter.From))
	}
	if filter.To != nil {
		clauses = append(clauses, "created_time<="+arg(*filter.To))
	}
	if filter.State != nil {
		clauses = append(clauses, "job_state="+arg(int(*filter.State)))
	}
	if filter.Result != nil {
		clauses = append(clauses, "result="+arg(int(*filter.Result)))
	}

	query := `SELECT id, created_time, updated_time, source_code, lang, user_id, contest_id, problem_id, job_state, result, score, cases FROM jobs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id"

	var rows []jobRow
	if err := p.conn.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, apperr.Wrap(apperr.External, "listing jobs", err)
	}
	jobs := make([]models.Job, 0, len(rows))
	for _, r := range rows {
		j, err := r.toJob()
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, "decoding job row", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (p *Postgres) GetLatestSubmission(ctx context.Context, userID, problemID, contestID uint32) (*models.Job, error) {
	var row jobRow
	err := p.conn.GetContext(ctx, &row, `
		SELECT id, created_time, updated_time, source_code, lang, user_id, contest_id, problem_id, job_state, result, score, cases
		FROM jobs WHERE user_id=$1 AND problem_id=$2 AND contest_id=$3
		ORDER BY created_time DESC LIMIT 1`, userID, problemID, contestID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.External, "getting latest submission", err)
	}
	j, err := row.toJob()
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "decoding job row", err)
	}
	return &j, nil
}

func (p *Postgres) GetHighestSubmission(ctx context.Context, userID, problemID, contestID uint32) (*models.Job, error) {
	var row jobRow
	err := p.conn.GetContext(ctx, &row, `
		SELECT id, created_time, updated_time, source_code, lang, user_id, contest_id, problem_id, job_state, result, score, cases
		FROM jobs WHERE user_id=$1 AND problem_id=$2 AND contest_id=$3
		ORDER BY score DESC, created_time ASC LIMIT 1`, userID, problemID, contestID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.External, "getting highest submission", err)
	}
	j, err := row.toJob()
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "decoding job row", err)
	}
	return &j, nil
}

func (p *Postgres) GetSubmissionCount(ctx context.Context, userID, problemID, contestID uint32) (uint64, error) {
	var count uint64
	err := p.conn.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM jobs WHERE user_id=$1 AND problem_id=$2 AND contest_id=$3`,
		userID, problemID, contestID)
	if err != nil {
		return 0, apperr.Wrap(apperr.External, "counting submissions", err)
	}
	return count, nil
}

type contestRow struct {
	ID              uint32    `db:"id"`
	Name            string    `db:"contest_name"`
	From            time.Time `db:"contest_from"`
	To              time.Time `db:"contest_to"`
	ProblemIDs      string    `db:"problem_ids"`
	UserIDs         string    `db:"user_ids"`
	SubmissionLimit uint32    `db:"submission_limit"`
}

func joinIDs(ids []uint32) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatUint(uint64(id), 10)
	}
	return strings.Join(parts, ",")
}

func splitIDs(s string) ([]uint32, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	ids := make([]uint32, len(parts))
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("store: parsing id list %q: %w", s, err)
		}
		ids[i] = uint32(n)
	}
	return ids, nil
}

func toContestRow(c models.Contest) contestRow {
	return contestRow{
		ID:              c.ID,
		Name:            c.Name,
		From:            c.From,
		To:              c.To,
		ProblemIDs:      joinIDs(c.ProblemIDs),
		UserIDs:         joinIDs(c.UserIDs),
		SubmissionLimit: c.SubmissionLimit,
	}
}

func (r contestRow) toContest() (models.Contest, error) {
	problemIDs, err := splitIDs(r.ProblemIDs)
	if err != nil {
		return models.Contest{}, err
	}
	userIDs, err := splitIDs(r.UserIDs)
	if err != nil {
		return models.Contest{}, err
	}
	return models.Contest{
		ID:              r.ID,
		Name:            r.Name,
		From:            r.From,
		To:              r.To,
		ProblemIDs:      problemIDs,
		UserIDs:         userIDs,
		SubmissionLimit: r.SubmissionLimit,
	}, nil
}

func (p *Postgres) ContestsCount(ctx context.Context) (uint32, error) {
	var count uint32
	if err := p.conn.GetContext(ctx, &count, `SELECT COUNT(*) FROM contests`); err != nil {
		return 0, apperr.Wrap(apperr.External, "counting contests", err)
	}
	return count, nil
}

func (p *Postgres) NewContest(ctx context.Context, contest models.Contest) (models.Contest, error) {
	tx, err := p.conn.BeginTxx(ctx, nil)
	if err != nil {
		return models.Contest{}, apperr.Wrap(apperr.External, "beginning new_contest transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `LOCK TABLE contests IN EXCLUSIVE MODE`); err != nil {
		return models.Contest{}, apperr.Wrap(apperr.External, "locking contests table", err)
	}
	var count uint32
	if err := tx.GetContext(ctx, &count, `SELECT COUNT(*) FROM contests`); err != nil {
		return models.Contest{}, apperr.Wrap(apperr.External, "counting contests", err)
	}
	// Contest ids are dense starting at 1; id 0 is the reserved global
	// pseudo-contest and is never stored as a row.
	contest.ID = count + 1
	row := toContestRow(contest)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO contests (id, contest_name, contest_from, contest_to, problem_ids, user_ids, submission_limit)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		row.ID, row.Name, row.From, row.To, row.ProblemIDs, row.UserIDs, row.SubmissionLimit,
	)
	if err != nil {
		return models.Contest{}, apperr.Wrap(apperr.External, "inserting contest", err)
	}
	if err := tx.Commit(); err != nil {
		return models.Contest{}, apperr.Wrap(apperr.External, "committing new_contest", err)
	}
	return contest, nil
}

func (p *Postgres) UpdateContest(ctx context.Context, contest models.Contest) (models.Contest, error) {
	row := toContestRow(contest)
	res, err := p.conn.ExecContext(ctx, `
		UPDATE contests SET contest_name=$2, contest_from=$3, contest_to=$4, problem_ids=$5, user_ids=$6, submission_limit=$7
		WHERE id=$1`,
		row.ID, row.Name, row.From, row.To, row.ProblemIDs, row.UserIDs, row.SubmissionLimit,
	)
	if err != nil {
		return models.Contest{}, apperr.Wrap(apperr.External, "updating contest", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.Contest{}, apperr.Newf(apperr.NotFound, "contest %d not found", contest.ID)
	}
	return contest, nil
}

func (p *Postgres) GetContest(ctx context.Context, id uint32) (models.Contest, error) {
	var row contestRow
	err := p.conn.GetContext(ctx, &row, `
		SELECT id, contest_name, contest_from, contest_to, problem_ids, user_ids, submission_limit
		FROM contests WHERE id=$1`, id)
	if err == sql.ErrNoRows {
		return models.Contest{}, apperr.Newf(apperr.NotFound, "contest %d not found", id)
	}
	if err != nil {
		return models.Contest{}, apperr.Wrap(apperr.External, "getting contest", err)
	}
	return row.toContest()
}

type userRow struct {
	ID       uint32 `db:"id"`
	Role     int    `db:"user_role"`
	Name     string `db:"user_name"`
	Password string `db:"passwd"`
}

func (p *Postgres) UserCount(ctx context.Context) (uint32, error) {
	var count uint32
	if err := p.conn.GetContext(ctx, &count, `SELECT COUNT(*) FROM users`); err != nil {
		return 0, apperr.Wrap(apperr.External, "counting users", err)
	}
	return count, nil
}

func (p *Postgres) GetUser(ctx context.Context, id uint32) (models.User, error) {
	var row userRow
	err := p.conn.GetContext(ctx, &row, `SELECT id, user_role, user_name, passwd FROM users WHERE id=$1`, id)
	if err == sql.ErrNoRows {
		return models.User{}, apperr.Newf(apperr.NotFound, "user %d not found", id)
	}
	if err != nil {
		return models.User{}, apperr.Wrap(apperr.External, "getting user", err)
	}
	return models.User{ID: row.ID, Name: row.Name, Role: models.UserRole(row.Role)}, nil
}

func (p *Postgres) GetUsers(ctx context.Context) ([]models.User, error) {
	var rows []userRow
	if err := p.conn.SelectContext(ctx, &rows, `SELECT id, user_role, user_name, passwd FROM users ORDER BY id`); err != nil {
		return nil, apperr.Wrap(apperr.External, "listing users", err)
	}
	users := make([]models.User, 0, len(rows))
	for _, r := range rows {
		users = append(users, models.User{ID: r.ID, Name: r.Name, Role: models.UserRole(r.Role)})
	}
	return users, nil
}

func (p *Postgres) GetSomeUsers(ctx context.Context, ids []uint32) ([]models.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT id, user_role, user_name, passwd FROM users WHERE id IN (?) ORDER BY id`, ids)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "building get_some_users query", err)
	}
	query = p.conn.Rebind(query)
	var rows []userRow
	if err := p.conn.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, apperr.Wrap(apperr.External, "listing some users", err)
	}
	users := make([]models.User, 0, len(rows))
	for _, r := range rows {
		users = append(users, models.User{ID: r.ID, Name: r.Name, Role: models.UserRole(r.Role)})
	}
	return users, nil
}

func (p *Postgres) UpdateUser(ctx context.Context, user models.User) (models.User, error) {
	res, err := p.conn.ExecContext(ctx, `UPDATE users SET user_role=$2, user_name=$3 WHERE id=$1`,
		user.ID, int(user.Role), user.Name)
	if err != nil {
		return models.User{}, apperr.Wrap(apperr.External, "updating user", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.User{}, apperr.Newf(apperr.NotFound, "user %d not found", user.ID)
	}
	return user, nil
}

func (p *Postgres) GetIDByUsername(ctx context.Context, name string) (uint32, error) {
	var id uint32
	err := p.conn.GetContext(ctx, &id, `SELECT id FROM users WHERE user_name=$1`, name)
	if err == sql.ErrNoRows {
		return 0, apperr.Newf(apperr.NotFound, "user %q not found", name)
	}
	if err != nil {
		return 0, apperr.Wrap(apperr.External, "resolving username", err)
	}
	return id, nil
}
