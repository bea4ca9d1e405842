package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"obd-capture/common"
)

// SQLiteStore сохраняет снимки в SQLite
type SQLiteStore struct {
	*sql.DB
}

// Open открывает (или создает) базу и применяет схему
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// один писатель
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		PRAGMA foreign_keys = ON;
		CREATE TABLE IF NOT EXISTS snapshots (
			snapshot_id       INTEGER PRIMARY KEY AUTOINCREMENT,
			captured_at       BIGINT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS readings (
			snapshot_id       INTEGER NOT NULL,
			position          INTEGER NOT NULL,
			short_name        TEXT NOT NULL,
			name              TEXT NOT NULL,
			value_num         DOUBLE,
			value_text        TEXT,
			unit              TEXT,
			raw               TEXT,
			FOREIGN KEY(snapshot_id) REFERENCES snapshots(snapshot_id)
		);
		CREATE TABLE IF NOT EXISTS failures (
			snapshot_id       INTEGER NOT NULL,
			position          INTEGER NOT NULL,
			short_name        TEXT NOT NULL,
			error             TEXT,
			FOREIGN KEY(snapshot_id) REFERENCES snapshots(snapshot_id)
		);
		CREATE INDEX IF NOT EXISTS readings_snapshot ON readings(snapshot_id);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db}, nil
}

// SaveSnapshot записывает снимок в одной транзакции
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snapshot common.Snapshot) (int64, error) {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO snapshots (captured_at) VALUES (?)`, snapshot.Timestamp.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("insert snapshot: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	for _, r := range snapshot.Readings {
		var num sql.NullFloat64
		var text sql.NullString
		switch v := r.Value.(type) {
		case float64:
			num = sql.NullFloat64{Float64: v, Valid: true}
		case nil:
		default:
			text = sql.NullString{String: fmt.Sprint(v), Valid: true}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO readings (snapshot_id, position, short_name, name, value_num, value_text, unit, raw)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, r.Position, r.ShortName, r.Name, num, text, r.Unit, r.Raw)
		if err != nil {
			return 0, fmt.Errorf("insert reading %s: %w", r.ShortName, err)
		}
	}

	for _, f := range snapshot.Failures {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO failures (snapshot_id, position, short_name, error) VALUES (?, ?, ?, ?)`,
			id, f.Position, f.ShortName, f.Error)
		if err != nil {
			return 0, fmt.Errorf("insert failure %s: %w", f.ShortName, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// Recent возвращает последние limit снимков, новые первыми
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]common.Snapshot, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT snapshot_id, captured_at FROM snapshots ORDER BY snapshot_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}

	type header struct {
		id int64
		ts int64
	}
	var headers []header
	for rows.Next() {
		var h header
		if err := rows.Scan(&h.id, &h.ts); err != nil {
			rows.Close()
			return nil, err
		}
		headers = append(headers, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	snapshots := make([]common.Snapshot, 0, len(headers))
	for _, h := range headers {
		snapshot := common.Snapshot{Timestamp: time.Unix(0, h.ts)}
		if snapshot.Readings, err = s.readings(ctx, h.id); err != nil {
			return nil, err
		}
		if snapshot.Failures, err = s.failures(ctx, h.id); err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, nil
}

func (s *SQLiteStore) readings(ctx context.Context, id int64) ([]common.Reading, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT position, short_name, name, value_num, value_text, unit, raw
		FROM readings WHERE snapshot_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var readings []common.Reading
	for rows.Next() {
		var r common.Reading
		var num sql.NullFloat64
		var text, unit, raw sql.NullString
		if err := rows.Scan(&r.Position, &r.ShortName, &r.Name, &num, &text, &unit, &raw); err != nil {
			return nil, err
		}
		if num.Valid {
			r.Value = num.Float64
		} else if text.Valid {
			r.Value = text.String
		}
		r.Unit = unit.String
		r.Raw = raw.String
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

func (s *SQLiteStore) failures(ctx context.Context, id int64) ([]common.SensorFailure, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT position, short_name, error FROM failures WHERE snapshot_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var failures []common.SensorFailure
	for rows.Next() {
		var f common.SensorFailure
		var msg sql.NullString
		if err := rows.Scan(&f.Position, &f.ShortName, &msg); err != nil {
			return nil, err
		}
		f.Error = msg.String
		failures = append(failures, f)
	}
	return failures, rows.Err()
}
