package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"dbkp/internal/fault"
	"dbkp/internal/pipeline"
)

type Status string

const (
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
)

// Record describes one backup artifact in storage.
type Record struct {
	ID                string          `json:"id"`
	Target            string          `json:"target"`
	Engine            string          `json:"engine"`
	Database          string          `json:"database"`
	ServerVersion     string          `json:"server_version,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	StorageKey        string          `json:"storage_key"`
	Size              int64           `json:"size"`
	RawSize           int64           `json:"raw_size"`
	Parts             int             `json:"parts"`
	Checksum          string          `json:"checksum"`
	ChecksumAlgorithm string          `json:"checksum_algorithm"`
	Pipeline          pipeline.Config `json:"pipeline"`
	Status            Status          `json:"status"`
	SchemaVersion     int             `json:"schema_version"`
}

// Age is how old r is at now.
func (r Record) Age(now time.Time) time.Duration {
	return now.Sub(r.CreatedAt)
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Target string
	Status Status
	Since  time.Time
	Until  time.Time
	Limit  int
}

const recordColumns = `id, target, engine, database_name, server_version, created_at, storage_key,
	size, raw_size, parts, checksum, checksum_algorithm, pipeline, status, schema_version`

// Record makes a completed backup visible. The upload session marker for
// uploadID, if any, is removed in the same transaction, so a reader sees
// either the in-flight marker or the finished record and never neither.
func (c *Catalog) Record(ctx context.Context, r Record, uploadID string) error {
	if r.ID == "" || r.Target == "" || r.StorageKey == "" || r.Checksum == "" {
		return fault.Newf(fault.KindInternal, "record backup", "record is missing id, target, storage key or checksum")
	}
	if r.Status == "" {
		r.Status = StatusCompleted
	}
	if r.Status != StatusCompleted {
		return fault.Newf(fault.KindInternal, "record backup", "new records must be %s, got %s", StatusCompleted, r.Status)
	}
	r.SchemaVersion = SchemaVersion
	pipe, err := r.Pipeline.Marshal()
	if err != nil {
		return internal("record backup", err)
	}

	return c.mutate(ctx, "record backup "+r.ID, func(tx *sql.Tx) error {
		if uploadID != "" {
			if _, err := tx.ExecContext(ctx, `DELETE FROM upload_sessions WHERE upload_id = ?`, uploadID); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO backups (`+recordColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.Target, r.Engine, r.Database, r.ServerVersion, r.CreatedAt.UTC().UnixNano(), r.StorageKey,
			r.Size, r.RawSize, r.Parts, r.Checksum, r.ChecksumAlgorithm, pipe, string(r.Status), r.SchemaVersion)
		return err
	})
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (Record, error) {
	var (
		r       Record
		created int64
		pipe    string
		status  string
	)
	err := s.Scan(&r.ID, &r.Target, &r.Engine, &r.Database, &r.ServerVersion, &created, &r.StorageKey,
		&r.Size, &r.RawSize, &r.Parts, &r.Checksum, &r.ChecksumAlgorithm, &pipe, &status, &r.SchemaVersion)
	if err != nil {
		return Record{}, err
	}
	r.CreatedAt = time.Unix(0, created).UTC()
	r.Status = Status(status)
	if r.Pipeline, err = pipeline.ParseConfig(pipe); err != nil {
		return Record{}, err
	}
	return r, nil
}

func (c *Catalog) Get(ctx context.Context, id string) (Record, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM backups WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fault.NotFound("get backup "+id, ErrNotFound)
	}
	if err != nil {
		return Record{}, internal("get backup "+id, err)
	}
	return r, nil
}

// Resolve finds a record by full id or by a unique id prefix.
func (c *Catalog) Resolve(ctx context.Context, idOrPrefix string) (Record, error) {
	op := "resolve backup " + idOrPrefix
	if strings.TrimSpace(idOrPrefix) == "" {
		return Record{}, fault.NotFound(op, ErrNotFound)
	}
	if r, err := c.Get(ctx, idOrPrefix); err == nil || !fault.Is(err, fault.KindNotFound) {
		return r, err
	}
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(idOrPrefix)
	rows, err := c.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM backups WHERE id LIKE ? ESCAPE '\' LIMIT 2`, escaped+"%")
	if err != nil {
		return Record{}, internal(op, err)
	}
	defer rows.Close()
	var found []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return Record{}, internal(op, err)
		}
		found = append(found, r)
	}
	if err := rows.Err(); err != nil {
		return Record{}, internal(op, err)
	}
	switch len(found) {
	case 0:
		return Record{}, fault.NotFound(op, ErrNotFound)
	case 1:
		return found[0], nil
	default:
		return Record{}, fault.Configuration(op, ErrAmbiguous)
	}
}

// List returns matching records, newest first. Records created at the same
// instant are ordered by descending id.
func (c *Catalog) List(ctx context.Context, f Filter) ([]Record, error) {
	var (
		where []string
		args  []any
	)
	if f.Target != "" {
		where = append(where, "target = ?")
		args = append(args, f.Target)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UTC().UnixNano())
	}
	if !f.Until.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, f.Until.UTC().UnixNano())
	}
	query := `SELECT ` + recordColumns + ` FROM backups`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, internal("list backups", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, internal("list backups", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, internal("list backups", err)
	}
	return out, nil
}

// MarkAborted moves a completed record to aborted. Marking an already
// aborted record is a no-op.
func (c *Catalog) MarkAborted(ctx context.Context, id string) error {
	return c.mutate(ctx, "mark backup aborted "+id, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE backups SET status = ? WHERE id = ? AND status = ?`,
			string(StatusAborted), id, string(StatusCompleted))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM backups WHERE id = ?`, id).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Remove deletes a record. Callers delete the storage object first.
func (c *Catalog) Remove(ctx context.Context, id string) error {
	return c.mutate(ctx, "remove backup "+id, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM backups WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// TargetStats summarizes completed backups of one target.
type TargetStats struct {
	Target    string    `json:"target"`
	Count     int       `json:"count"`
	TotalSize int64     `json:"total_size"`
	Oldest    time.Time `json:"oldest"`
	Newest    time.Time `json:"newest"`
}

func (c *Catalog) Stats(ctx context.Context) ([]TargetStats, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT target, count(*), sum(size), min(created_at), max(created_at)
		FROM backups WHERE status = ? GROUP BY target ORDER BY target`, string(StatusCompleted))
	if err != nil {
		return nil, internal("catalog stats", err)
	}
	defer rows.Close()
	var out []TargetStats
	for rows.Next() {
		var (
			s              TargetStats
			oldest, newest int64
		)
		if err := rows.Scan(&s.Target, &s.Count, &s.TotalSize, &oldest, &newest); err != nil {
			return nil, internal("catalog stats", err)
		}
		s.Oldest = time.Unix(0, oldest).UTC()
		s.Newest = time.Unix(0, newest).UTC()
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, internal("catalog stats", err)
	}
	return out, nil
}
