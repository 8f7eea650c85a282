// Package history archives every notification the session sees into a
// local sqlite database, so the backlog can be listed without the backend
// (souk notifications --offline).
package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/soukhq/souk/pkg/log"
	"github.com/soukhq/souk/pkg/notifications"
)

type Archive struct {
	db     *sql.DB
	logger *log.Logger
}

func Open(dbPath string) (*Archive, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("applying pragma %q: %w", pragma, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS notifications (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			message TEXT NOT NULL,
			is_read INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			modified_at TEXT NOT NULL,
			offer_id INTEGER,
			message_id INTEGER,
			post_id INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_notifications_modified_at
			ON notifications(modified_at DESC);
	`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating history schema: %w", err)
	}

	return &Archive{db: db, logger: log.ForService("history")}, nil
}

func (a *Archive) Close() error {
	return a.db.Close()
}

// Archive stores one notification, replacing any previous row with the
// same id. Failures are logged, not surfaced: the archive is best-effort
// and must never disturb live delivery.
func (a *Archive) Archive(n notifications.Notification) {
	_, err := a.db.Exec(`
		INSERT OR REPLACE INTO notifications
			(id, type, message, is_read, created_at, modified_at, offer_id, message_id, post_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		n.ID,
		n.Type,
		n.Message,
		boolToInt(n.IsRead),
		n.CreatedAt.UTC().Format(time.RFC3339),
		n.ModifiedAt.UTC().Format(time.RFC3339),
		nullableID(n.OfferID),
		nullableID(n.MessageID),
		nullableID(n.PostID),
	)
	if err != nil {
		a.logger.Warnf("archiving notification %s: %v", n.ID, err)
	}
}

// Recent returns up to limit archived notifications, newest first.
// limit <= 0 means no limit.
func (a *Archive) Recent(limit int) ([]notifications.Notification, error) {
	query := `
		SELECT id, type, message, is_read, created_at, modified_at,
		       COALESCE(offer_id, 0), COALESCE(message_id, 0), COALESCE(post_id, 0)
		FROM notifications
		ORDER BY modified_at DESC
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := a.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			a.logger.Warnf("closing history rows: %v", err)
		}
	}()

	var out []notifications.Notification
	for rows.Next() {
		var n notifications.Notification
		var isRead int
		var createdAt, modifiedAt string
		if err := rows.Scan(&n.ID, &n.Type, &n.Message, &isRead, &createdAt, &modifiedAt,
			&n.OfferID, &n.MessageID, &n.PostID); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		n.IsRead = isRead != 0
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			n.CreatedAt = t
		}
		if t, err := time.Parse(time.RFC3339, modifiedAt); err == nil {
			n.ModifiedAt = t
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}
