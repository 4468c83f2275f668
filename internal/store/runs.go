package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

func (s *Store) CreateRun(ctx context.Context, r Run) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO runs (id, chat_id, user_message_id, message_id, stage) VALUES ($1,$2,$3,$4,$5)`,
		r.ID, r.ChatID, nullString(r.UserMessageID), nullString(r.MessageID), r.Stage,
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// SetRunMessage records the assistant placeholder message the run writes to.
func (s *Store) SetRunMessage(ctx context.Context, runID, messageID string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE runs SET message_id=$2, updated_at=NOW() WHERE id=$1`, runID, messageID)
	return err
}

// SetRunStage advances the stage of an open run; finished runs are left untouched.
func (s *Store) SetRunStage(ctx context.Context, runID, stage string) error {
	if runID == "" {
		return fmt.Errorf("run_id must be provided")
	}
	_, err := s.DB.ExecContext(ctx, `UPDATE runs SET stage=$2, updated_at=NOW() WHERE id=$1 AND outcome IS NULL`, runID, stage)
	return err
}

// FinishRun sets the terminal outcome once; a second call is a no-op.
func (s *Store) FinishRun(ctx context.Context, runID, stage, outcome string, errMsg *string, swallowed int) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE runs SET stage=$2, outcome=$3, error=$4, swallowed=$5, finished_at=NOW(), updated_at=NOW() WHERE id=$1 AND outcome IS NULL`,
		runID, stage, outcome, errMsg, swallowed,
	)
	return err
}

func (s *Store) GetRun(ctx context.Context, runID string) (Run, error) {
	rows, err := s.queryRuns(ctx, psql.Select(runColumns...).From("runs").Where(sq.Eq{"id": runID}))
	if err != nil {
		return Run{}, err
	}
	if len(rows) == 0 {
		return Run{}, ErrRunNotFound
	}
	return rows[0], nil
}

// ListStaleRuns returns open runs whose last update is older than before.
func (s *Store) ListStaleRuns(ctx context.Context, before time.Time, limit uint64) ([]Run, error) {
	if limit == 0 {
		limit = 100
	}
	return s.queryRuns(ctx, psql.Select(runColumns...).
		From("runs").
		Where(sq.Eq{"outcome": nil}).
		Where(sq.Lt{"updated_at": before}).
		OrderBy("updated_at ASC").
		Limit(limit))
}

var runColumns = []string{"id", "chat_id", "user_message_id", "message_id", "stage", "outcome", "error", "swallowed", "created_at", "updated_at", "finished_at"}

func (s *Store) queryRuns(ctx context.Context, b sq.SelectBuilder) ([]Run, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var r Run
		var userMsg, msg, outcome, errMsg sql.NullString
		var finished sql.NullTime
		if err := rows.Scan(&r.ID, &r.ChatID, &userMsg, &msg, &r.Stage, &outcome, &errMsg, &r.Swallowed, &r.CreatedAt, &r.UpdatedAt, &finished); err != nil {
			return nil, err
		}
		r.UserMessageID, r.MessageID, r.Outcome, r.Error = userMsg.String, msg.String, outcome.String, errMsg.String
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return out, nil
}
