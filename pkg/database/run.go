package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4"
)

type Run struct {
	ID           string     `json:"id"`
	Kind         string     `json:"kind"`
	Variant      string     `json:"variant"`
	Repository   string     `json:"repository"`
	Ref          string     `json:"ref"`
	SHA          string     `json:"sha"`
	PullRequest  int        `json:"pullRequest,omitempty"`
	Environment  string     `json:"environment"`
	Version      string     `json:"version,omitempty"`
	Destroy      bool       `json:"destroy"`
	TraceID      string     `json:"traceID,omitempty"`
	Created      time.Time  `json:"created"`
	Finished     *time.Time `json:"finished,omitempty"`
	State        string     `json:"state"`
	Status       *string    `json:"status,omitempty"`
	Partial      bool       `json:"partial"`
	Image        *string    `json:"image,omitempty"`
	URL          *string    `json:"url,omitempty"`
	ErrorKind    *string    `json:"errorKind,omitempty"`
	ErrorStage   *string    `json:"errorStage,omitempty"`
	ErrorMessage *string    `json:"errorMessage,omitempty"`

	// Exit status of the failing tool, when there was one.
	ErrorExitStatus *int     `json:"errorExitStatus,omitempty"`
	ErrorHint       *string  `json:"errorHint,omitempty"`
	Applied         []string `json:"applied,omitempty"`
	Unapplied       []string `json:"unapplied,omitempty"`
}

// RunResult is written once, when a run reaches a terminal state.
type RunResult struct {
	Finished     time.Time
	State        string
	Status       string
	Partial      bool
	Image        string
	URL          string
	ErrorKind    string
	ErrorStage   string
	ErrorMessage string
	// Negative when no external tool was involved.
	ErrorExitStatus int
	ErrorHint       string
	Applied         []string
	Unapplied       []string
}

type RunStatus struct {
	ID      string    `json:"id"`
	RunID   string    `json:"runID"`
	From    string    `json:"from"`
	To      string    `json:"to"`
	Message string    `json:"message"`
	Created time.Time `json:"created"`
}

type RunStore interface {
	Runs(ctx context.Context, environment string, limit int) ([]*Run, error)
	Run(ctx context.Context, id string) (*Run, error)
	WriteRun(ctx context.Context, run Run) error
	FinishRun(ctx context.Context, id string, result RunResult) error
	RunStatuses(ctx context.Context, runID string) ([]RunStatus, error)
	WriteRunStatus(ctx context.Context, status RunStatus) error
}

var _ RunStore = &Database{}

const selectRunFields = `id, kind, variant, repository, ref, sha, pull_request, environment, version, destroy, trace_id, created, finished, state, status, partial, image, url, error_kind, error_stage, error_message, error_exit_status, error_hint, applied, unapplied`

func scanRun(rows pgx.Rows) (*Run, error) {
	run := &Run{}

	err := rows.Scan(
		&run.ID,
		&run.Kind,
		&run.Variant,
		&run.Repository,
		&run.Ref,
		&run.SHA,
		&run.PullRequest,
		&run.Environment,
		&run.Version,
		&run.Destroy,
		&run.TraceID,
		&run.Created,
		&run.Finished,
		&run.State,
		&run.Status,
		&run.Partial,
		&run.Image,
		&run.URL,
		&run.ErrorKind,
		&run.ErrorStage,
		&run.ErrorMessage,
		&run.ErrorExitStatus,
		&run.ErrorHint,
		&run.Applied,
		&run.Unapplied,
	)

	return run, err
}

func (db *Database) Runs(ctx context.Context, environment string, limit int) ([]*Run, error) {
	query := `
SELECT ` + selectRunFields + `
FROM run
WHERE ($1 = '' OR environment = $1)
ORDER BY created DESC
LIMIT $2;
`
	rows, err := db.timedQuery(ctx, query, environment, limit)

	if err != nil {
		return nil, err
	}

	runs := make([]*Run, 0)
	defer rows.Close()
	for rows.Next() {
		run, err := scanRun(rows)

		if err != nil {
			return nil, err
		}

		runs = append(runs, run)
	}

	return runs, rows.Err()
}

func (db *Database) Run(ctx context.Context, id string) (*Run, error) {
	query := `SELECT ` + selectRunFields + ` FROM run WHERE id = $1;`
	rows, err := db.timedQuery(ctx, query, id)

	if err != nil {
		return nil, err
	}

	defer rows.Close()
	if rows.Next() {
		return scanRun(rows)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return nil, ErrNotFound
}

func (db *Database) WriteRun(ctx context.Context, run Run) error {
	query := `
INSERT INTO run (id, kind, variant, repository, ref, sha, pull_request, environment, version, destroy, trace_id, created, state)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (id) DO UPDATE
SET state = EXCLUDED.state;
`
	return db.timedExec(ctx, query,
		run.ID,
		run.Kind,
		run.Variant,
		run.Repository,
		run.Ref,
		run.SHA,
		run.PullRequest,
		run.Environment,
		run.Version,
		run.Destroy,
		run.TraceID,
		run.Created,
		run.State,
	)
}

func nullable(s string) *string {
	if len(s) == 0 {
		return nil
	}
	return &s
}

func (db *Database) FinishRun(ctx context.Context, id string, result RunResult) error {
	query := `
UPDATE run
SET finished = $2, state = $3, status = $4, partial = $5, image = $6, url = $7, error_kind = $8, error_stage = $9, error_message = $10,
    error_exit_status = $11, error_hint = $12, applied = $13, unapplied = $14
WHERE id = $1;
`
	var exitStatus *int
	if len(result.ErrorKind) > 0 && result.ErrorExitStatus >= 0 {
		exitStatus = &result.ErrorExitStatus
	}
	return db.timedExec(ctx, query,
		id,
		result.Finished,
		result.State,
		result.Status,
		result.Partial,
		nullable(result.Image),
		nullable(result.URL),
		nullable(result.ErrorKind),
		nullable(result.ErrorStage),
		nullable(result.ErrorMessage),
		exitStatus,
		nullable(result.ErrorHint),
		result.Applied,
		result.Unapplied,
	)
}

func (db *Database) RunStatuses(ctx context.Context, runID string) ([]RunStatus, error) {
	query := `SELECT id, run_id, from_state, to_state, message, created FROM run_status WHERE run_id = $1 ORDER BY created ASC;`
	rows, err := db.timedQuery(ctx, query, runID)

	if err != nil {
		return nil, err
	}

	statuses := make([]RunStatus, 0)

	defer rows.Close()
	for rows.Next() {
		status := RunStatus{}

		err := rows.Scan(
			&status.ID,
			&status.RunID,
			&status.From,
			&status.To,
			&status.Message,
			&status.Created,
		)

		if err != nil {
			return nil, err
		}

		statuses = append(statuses, status)
	}

	if len(statuses) == 0 {
		return nil, ErrNotFound
	}

	return statuses, rows.Err()
}

func (db *Database) WriteRunStatus(ctx context.Context, status RunStatus) error {
	query := `
INSERT INTO run_status (id, run_id, from_state, to_state, message, created)
VALUES ($1, $2, $3, $4, $5, $6);
`
	return db.timedExec(ctx, query,
		status.ID,
		status.RunID,
		status.From,
		status.To,
		status.Message,
		status.Created,
	)
}
