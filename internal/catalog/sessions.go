package catalog

import (
	"context"
	"database/sql"
	"time"
)

// Session marks a multipart upload in flight. A marker that outlives its
// job belongs to a crashed run and its remote upload must be aborted.
type Session struct {
	UploadID   string
	StorageKey string
	Target     string
	JobID      string
	StartedAt  time.Time
}

func (c *Catalog) BeginSession(ctx context.Context, s Session) error {
	return c.mutate(ctx, "begin upload session "+s.UploadID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO upload_sessions (upload_id, storage_key, target, job_id, started_at)
			VALUES (?, ?, ?, ?, ?)`, s.UploadID, s.StorageKey, s.Target, s.JobID, s.StartedAt.UTC().UnixNano())
		return err
	})
}

// EndSession drops a marker after its upload was aborted. Ending an unknown
// session is not an error.
func (c *Catalog) EndSession(ctx context.Context, uploadID string) error {
	return c.mutate(ctx, "end upload session "+uploadID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM upload_sessions WHERE upload_id = ?`, uploadID)
		return err
	})
}

// StaleSessions lists markers for target that started before cutoff.
func (c *Catalog) StaleSessions(ctx context.Context, target string, cutoff time.Time) ([]Session, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT upload_id, storage_key, target, job_id, started_at
		FROM upload_sessions WHERE target = ? AND started_at < ? ORDER BY started_at`,
		target, cutoff.UTC().UnixNano())
	if err != nil {
		return nil, internal("list upload sessions", err)
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		var (
			s       Session
			started int64
		)
		if err := rows.Scan(&s.UploadID, &s.StorageKey, &s.Target, &s.JobID, &started); err != nil {
			return nil, internal("list upload sessions", err)
		}
		s.StartedAt = time.Unix(0, started).UTC()
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, internal("list upload sessions", err)
	}
	return out, nil
}
