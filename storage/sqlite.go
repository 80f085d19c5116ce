package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"substitute-notifier/pkg/plan"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// SQLStore keeps subscribers and notification state in SQLite.
type SQLStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens (and creates) the database at path.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			logger.Warn("Failed to apply pragma", "pragma", pragma, "error", err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logger.Warn("Failed to close database", "error", closeErr)
		}
		return nil, fmt.Errorf("migrate: %w", err)
	}

	logger.Info("SQLite store opened", "path", path)
	return &SQLStore{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// UpsertSubscriber inserts or replaces sub.
func (s *SQLStore) UpsertSubscriber(ctx context.Context, sub *plan.Subscriber) error {
	if !ValidID(sub.ID) {
		return errors.New("invalid subscriber id")
	}
	segments, err := json.Marshal(sub.Segments)
	if err != nil {
		return fmt.Errorf("marshal segments: %w", err)
	}
	var push sql.NullString
	if sub.Push != nil {
		data, err := json.Marshal(sub.Push)
		if err != nil {
			return fmt.Errorf("marshal push subscription: %w", err)
		}
		push = sql.NullString{String: string(data), Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO subscribers(id, push, email, segments, updated_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET push=excluded.push, email=excluded.email,
		   segments=excluded.segments, updated_at=excluded.updated_at`,
		sub.ID, push, nullStr(sub.Email), string(segments), sub.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert subscriber: %w", err)
	}
	s.logger.Info("Subscriber saved", "id", sub.ID, "segments", len(sub.Segments))
	return nil
}

// LoadSubscriber loads a subscriber by id.
func (s *SQLStore) LoadSubscriber(ctx context.Context, id string) (*plan.Subscriber, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, push, email, segments, updated_at FROM subscribers WHERE id = ?`, id)
	sub, err := scanSubscriber(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sub, err
}

// DeleteSubscriber removes a subscriber. Missing subscribers are not an error.
func (s *SQLStore) DeleteSubscriber(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM subscribers WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete subscriber: %w", err)
	}
	s.logger.Info("Subscriber deleted", "id", id)
	return nil
}

// ListSubscribers returns all subscribers ordered by id.
func (s *SQLStore) ListSubscribers(ctx context.Context) ([]*plan.Subscriber, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, push, email, segments, updated_at FROM subscribers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			s.logger.Warn("Failed to close rows", "error", err)
		}
	}()

	var subs []*plan.Subscriber
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscribers: %w", err)
	}
	return subs, nil
}

// PruneSubscribers deletes subscribers not refreshed since olderThan.
func (s *SQLStore) PruneSubscribers(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM subscribers WHERE updated_at < ?`, olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune subscribers: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune subscribers: %w", err)
	}
	return int(n), nil
}

// LoadState reads the persisted fingerprints of every weekday.
func (s *SQLStore) LoadState(ctx context.Context) (map[plan.Weekday]plan.Fingerprints, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT weekday, segment, fingerprint FROM notification_state`)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			s.logger.Warn("Failed to close rows", "error", err)
		}
	}()

	state := make(map[plan.Weekday]plan.Fingerprints)
	for rows.Next() {
		var wd, name, fp string
		if err := rows.Scan(&wd, &name, &fp); err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		weekday, err := plan.ParseWeekday(wd)
		if err != nil {
			s.logger.Warn("Ignoring state row", "weekday", wd, "error", err)
			continue
		}
		if state[weekday] == nil {
			state[weekday] = make(plan.Fingerprints)
		}
		state[weekday][name] = fp
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state: %w", err)
	}
	return state, nil
}

// SaveState replaces the persisted fingerprints of wd in one transaction.
func (s *SQLStore) SaveState(ctx context.Context, wd plan.Weekday, fps plan.Fingerprints) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				s.logger.Warn("Rollback failed", "error", rbErr)
			}
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM notification_state WHERE weekday = ?`, string(wd)); err != nil {
		return fmt.Errorf("clear state: %w", err)
	}
	for name, fp := range fps {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO notification_state(weekday, segment, fingerprint) VALUES(?,?,?)`,
			string(wd), name, fp); err != nil {
			return fmt.Errorf("insert state: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscriber(row scanner) (*plan.Subscriber, error) {
	var (
		sub      plan.Subscriber
		push     sql.NullString
		email    sql.NullString
		segments string
		updated  int64
	)
	if err := row.Scan(&sub.ID, &push, &email, &segments, &updated); err != nil {
		return nil, err
	}
	if push.Valid {
		sub.Push = &plan.PushSubscription{}
		if err := json.Unmarshal([]byte(push.String), sub.Push); err != nil {
			return nil, fmt.Errorf("unmarshal push subscription %s: %w", sub.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(segments), &sub.Segments); err != nil {
		return nil, fmt.Errorf("unmarshal segments %s: %w", sub.ID, err)
	}
	sub.Email = email.String
	sub.UpdatedAt = time.UnixMilli(updated).UTC()
	return &sub, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
