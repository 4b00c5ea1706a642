// internal/repository/postgres/action_repo.go
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"smartfarm-notifier/internal/domain/action"
)

// ActionRepository reads and writes the device action log. It runs on
// database/sql so it can share the pool bridge the migrations use.
type ActionRepository struct {
	db *sql.DB
}

func NewActionRepository(db *sql.DB) *ActionRepository {
	return &ActionRepository{db: db}
}

func (r *ActionRepository) Create(ctx context.Context, l *action.Log) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO action_logs (id, device_id, status, action_uri) VALUES ($1, $2, $3, $4) RETURNING created_at`,
		l.ID, l.DeviceID, string(l.Status), l.ActionURI,
	).Scan(&l.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create action log: %w", err)
	}
	return nil
}

// Latest returns the newest limit actions and the total row count.
func (r *ActionRepository) Latest(ctx context.Context, limit int) ([]action.Log, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM action_logs`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count action logs: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, device_id, status, action_uri, created_at FROM action_logs ORDER BY created_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list action logs: %w", err)
	}
	defer rows.Close()

	logs := []action.Log{}
	for rows.Next() {
		var l action.Log
		var status string
		if err := rows.Scan(&l.ID, &l.DeviceID, &status, &l.ActionURI, &l.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan action log: %w", err)
		}
		l.Status = action.Status(status)
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate action logs: %w", err)
	}
	return logs, total, nil
}
