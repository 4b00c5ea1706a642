// internal/repository/postgres/notification_repo.go
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"smartfarm-notifier/internal/domain/notification"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// Querier is the part of pgxpool.Pool the repository uses.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const notificationColumns = `id, user_id, level, source, title, message, context, is_read, created_at, updated_at`

type NotificationRepository struct {
	db Querier
}

func NewNotificationRepository(db Querier) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Create inserts r. ID must already be set; timestamps come back from the
// database.
func (r *NotificationRepository) Create(ctx context.Context, rec *notification.Record) error {
	query := `
		INSERT INTO notifications (id, user_id, level, source, title, message, context)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING is_read, created_at, updated_at
	`

	var contextJSON []byte
	if rec.Context != nil {
		var err error
		contextJSON, err = json.Marshal(rec.Context)
		if err != nil {
			return fmt.Errorf("failed to marshal context: %w", err)
		}
	}

	err := r.db.QueryRow(ctx, query,
		rec.ID, rec.UserID, rec.Level, rec.Source, rec.Title, rec.Message, contextJSON,
	).Scan(&rec.IsRead, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}

// buildListFilter renders the WHERE clause for a user's list query.
func buildListFilter(userID string, p notification.ListParams) (string, []interface{}) {
	conditions := []string{"user_id = $1"}
	args := []interface{}{userID}

	add := func(cond string, v interface{}) {
		args = append(args, v)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}

	if p.IsRead != nil {
		add("is_read = $%d", *p.IsRead)
	}
	if p.Level != "" {
		add("level = $%d", string(p.Level))
	}
	if p.Source != "" {
		add("source = $%d", string(p.Source))
	}
	if p.From != nil {
		add("created_at >= $%d", *p.From)
	}
	if p.To != nil {
		add("created_at <= $%d", *p.To)
	}
	return strings.Join(conditions, " AND "), args
}

// List returns one page of the user's notifications, newest first, and the
// number of rows matching the filters.
func (r *NotificationRepository) List(ctx context.Context, userID string, p notification.ListParams) ([]notification.Record, int, error) {
	where, args := buildListFilter(userID, p)

	var total int
	if err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM notifications WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count notifications: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM notifications
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d
	`, notificationColumns, where, len(args)+1, len(args)+2)
	args = append(args, p.Limit, p.Offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	records := []notification.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate notifications: %w", err)
	}
	return records, total, nil
}

func scanRecord(row pgx.Row) (notification.Record, error) {
	var rec notification.Record
	var contextJSON []byte
	err := row.Scan(
		&rec.ID, &rec.UserID, &rec.Level, &rec.Source, &rec.Title, &rec.Message,
		&contextJSON, &rec.IsRead, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return rec, fmt.Errorf("failed to scan notification: %w", err)
	}
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &rec.Context); err != nil {
			return rec, fmt.Errorf("failed to unmarshal context: %w", err)
		}
	}
	return rec, nil
}

func (r *NotificationRepository) UnreadCount(ctx context.Context, userID string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND is_read = FALSE`, userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread notifications: %w", err)
	}
	return count, nil
}

// MarkRead flags the given unread notifications of the user as read and
// returns how many rows changed.
func (r *NotificationRepository) MarkRead(ctx context.Context, userID string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE notifications
		SET is_read = TRUE, updated_at = NOW()
		WHERE user_id = $1 AND id = ANY($2::uuid[]) AND is_read = FALSE
	`, userID, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("failed to mark notifications as read: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *NotificationRepository) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE notifications
		SET is_read = TRUE, updated_at = NOW()
		WHERE user_id = $1 AND is_read = FALSE
	`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark all notifications as read: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Delete removes one notification of the user and returns it, or nil when
// nothing matched.
func (r *NotificationRepository) Delete(ctx context.Context, userID, id string) (*notification.Record, error) {
	row := r.db.QueryRow(ctx,
		`DELETE FROM notifications WHERE user_id = $1 AND id = $2 RETURNING `+notificationColumns,
		userID, id,
	)
	rec, err := scanRecord(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}
