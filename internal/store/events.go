package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"launchforge/internal/models"
)

// AppendEvent inserts a single progress event. Events are insert-only; nothing
// in this package mutates or deletes them.
func (s *Store) AppendEvent(ctx context.Context, ev models.JobEvent) error {
	dataJSON, err := marshalEventData(ev.Data)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO job_events (project_id, job_id, type, message, data, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, ev.ProjectID, ev.JobID, ev.Type, ev.Message, dataJSON)
	if err != nil {
		return fmt.Errorf("insert job event: %w", err)
	}
	return nil
}

// AppendEventBatch inserts events in order using a single pgx batch round
// trip. Per-job insertion order is preserved.
func (s *Store) AppendEventBatch(ctx context.Context, evs []models.JobEvent) error {
	if len(evs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, ev := range evs {
		dataJSON, err := marshalEventData(ev.Data)
		if err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO job_events (project_id, job_id, type, message, data, created_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
		`, ev.ProjectID, ev.JobID, ev.Type, ev.Message, dataJSON)
	}
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range evs {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert job event batch: %w", err)
		}
	}
	return nil
}

// ListEvents returns up to limit events for a job with id > afterID, in
// insertion order, for incremental feed consumption.
func (s *Store) ListEvents(ctx context.Context, jobID string, afterID int64, limit int) ([]models.JobEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, project_id, job_id, type, message, data, created_at
		FROM job_events
		WHERE job_id = $1 AND id > $2
		ORDER BY id
		LIMIT $3
	`, jobID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list job events: %w", err)
	}
	defer rows.Close()

	var events []models.JobEvent
	for rows.Next() {
		var ev models.JobEvent
		var dataJSON []byte
		if err := rows.Scan(&ev.ID, &ev.ProjectID, &ev.JobID, &ev.Type, &ev.Message, &dataJSON, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		if len(dataJSON) > 0 {
			if err := json.Unmarshal(dataJSON, &ev.Data); err != nil {
				return nil, fmt.Errorf("unmarshal event data: %w", err)
			}
		}
		events = append(events, ev)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate job events: %w", rows.Err())
	}
	return events, nil
}

func marshalEventData(data map[string]any) ([]byte, error) {
	if data == nil {
		data = map[string]any{}
	}
	out, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}
	return out, nil
}
