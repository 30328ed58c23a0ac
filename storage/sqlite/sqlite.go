// Package sqlite is a transactional query store on a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	msqlite "modernc.org/sqlite"

	"tori-watcher/pkg/watcher"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLite extended result codes for constraint violations.
const (
	codeConstraintPrimaryKey = 1555
	codeConstraintUnique     = 2067
)

// Store implements the query store over SQLite.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

type subscriberRow struct {
	ID          string `db:"id"`
	DisplayName string `db:"display_name"`
	CreatedAt   int64  `db:"created_at"`
}

type queryRow struct {
	SubscriberID   string `db:"subscriber_id"`
	Text           string `db:"text"`
	QueryID        int    `db:"query_id"`
	LastExecutedAt int64  `db:"last_executed_at"`
}

func (r queryRow) query() watcher.Query {
	return watcher.Query{
		ID:             r.QueryID,
		Text:           r.Text,
		LastExecutedAt: time.Unix(r.LastExecutedAt, 0).UTC(),
	}
}

// Open opens (or creates) the database at path and applies pending migrations.
// Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection serializes every transaction; it also keeps an
	// in-memory database alive for the lifetime of the store.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %q: %w", pragma, err)
		}
	}

	if err := runMigrations(db, logger); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, logger: logger}, nil
}

func runMigrations(db *sqlx.DB, logger *slog.Logger) error {
	d, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("create migrations source: %w", err)
	}
	i, err := migratesqlite.WithInstance(db.DB, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite instance for migration: %w", err)
	}
	migrator, err := migrate.NewWithInstance("iofs", d, "sqlite", i)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info("Database migrated")
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func isConstraint(err error, codes ...int) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	for _, c := range codes {
		if sqliteErr.Code() == c {
			return true
		}
	}
	return false
}

func subscriberExists(ctx context.Context, tx *sqlx.Tx, id string) error {
	const q = `SELECT COUNT(*) FROM subscribers WHERE id = ?;`
	var n int
	if err := tx.GetContext(ctx, &n, q, id); err != nil {
		return fmt.Errorf("look up subscriber: %w", err)
	}
	if n == 0 {
		return watcher.ErrNotFound
	}
	return nil
}

// ListDueQueries returns every query whose cooldown has elapsed at now,
// ordered by subscriber id then query id.
func (s *Store) ListDueQueries(ctx context.Context, now time.Time, cooldown time.Duration) ([]watcher.SearchTask, error) {
	query, args, err := sq.Select("subscriber_id", "query_id", "text", "last_executed_at").
		From("queries").
		Where(sq.LtOrEq{"last_executed_at": now.Add(-cooldown).Unix()}).
		OrderBy("subscriber_id", "query_id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("construct sql: %w", err)
	}

	var rows []queryRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("select due queries: %w", err)
	}

	tasks := make([]watcher.SearchTask, 0, len(rows))
	for _, r := range rows {
		q := r.query()
		tasks = append(tasks, watcher.SearchTask{
			SubscriberID:   r.SubscriberID,
			QueryID:        q.ID,
			QueryText:      q.Text,
			LastExecutedAt: q.LastExecutedAt,
			DueAt:          q.LastExecutedAt.Add(cooldown),
		})
	}
	return tasks, nil
}

// RecordSuccess stamps a query as executed at completedAt. Missing queries and
// older timestamps leave the row untouched.
func (s *Store) RecordSuccess(ctx context.Context, subscriberID string, queryID int, completedAt time.Time) error {
	ts := completedAt.Unix()
	query, args, err := sq.Update("queries").
		Set("last_executed_at", ts).
		Where(sq.Eq{"subscriber_id": subscriberID, "query_id": queryID}).
		Where(sq.Lt{"last_executed_at": ts}).
		ToSql()
	if err != nil {
		return fmt.Errorf("construct sql: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update query timestamp: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.logger.Debug("Success record changed nothing", "subscriber", subscriberID, "query_id", queryID)
	}
	return nil
}

// AddQuery stores a new query and returns its id.
func (s *Store) AddQuery(ctx context.Context, subscriberID, text string) (int, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, watcher.ErrEmptyQueryText
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := subscriberExists(ctx, tx, subscriberID); err != nil {
		return 0, err
	}

	var existing []queryRow
	const sel = `SELECT subscriber_id, query_id, text, last_executed_at FROM queries WHERE subscriber_id = ?;`
	if err := tx.SelectContext(ctx, &existing, sel, subscriberID); err != nil {
		return 0, fmt.Errorf("select queries: %w", err)
	}
	used := make([]int, 0, len(existing))
	for _, r := range existing {
		if r.Text == text {
			return 0, watcher.ErrDuplicateQuery
		}
		used = append(used, r.QueryID)
	}
	id := watcher.NextID(used)

	const ins = `INSERT INTO queries (subscriber_id, query_id, text, last_executed_at)
		VALUES (:subscriber_id, :query_id, :text, :last_executed_at);`
	_, err = tx.NamedExecContext(ctx, ins, queryRow{
		SubscriberID:   subscriberID,
		QueryID:        id,
		Text:           text,
		LastExecutedAt: watcher.NeverExecuted.Unix(),
	})
	if isConstraint(err, codeConstraintUnique) {
		return 0, watcher.ErrDuplicateQuery
	}
	if err != nil {
		return 0, fmt.Errorf("insert query: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	s.logger.Info("Query added", "subscriber", subscriberID, "query_id", id, "text", text)
	return id, nil
}

// RemoveQuery deletes one query and returns it.
func (s *Store) RemoveQuery(ctx context.Context, subscriberID string, queryID int) (watcher.Query, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return watcher.Query{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const sel = `SELECT subscriber_id, query_id, text, last_executed_at FROM queries WHERE subscriber_id = ? AND query_id = ?;`
	var row queryRow
	err = tx.GetContext(ctx, &row, sel, subscriberID, queryID)
	if errors.Is(err, sql.ErrNoRows) {
		return watcher.Query{}, watcher.ErrNotFound
	}
	if err != nil {
		return watcher.Query{}, fmt.Errorf("select query: %w", err)
	}

	const del = `DELETE FROM queries WHERE subscriber_id = ? AND query_id = ?;`
	if _, err := tx.ExecContext(ctx, del, subscriberID, queryID); err != nil {
		return watcher.Query{}, fmt.Errorf("delete query: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return watcher.Query{}, fmt.Errorf("commit: %w", err)
	}

	s.logger.Info("Query removed", "subscriber", subscriberID, "query_id", queryID)
	return row.query(), nil
}

// ClearQueries removes all of a subscriber's queries.
func (s *Store) ClearQueries(ctx context.Context, subscriberID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := subscriberExists(ctx, tx, subscriberID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM queries WHERE subscriber_id = ?;`, subscriberID); err != nil {
		return fmt.Errorf("delete queries: %w", err)
	}
	return tx.Commit()
}

// AddSubscriber registers a new subscriber with no queries.
func (s *Store) AddSubscriber(ctx context.Context, subscriberID, displayName string) (*watcher.Subscriber, error) {
	const q = `INSERT INTO subscribers (id, display_name, created_at) VALUES (:id, :display_name, :created_at);`
	row := subscriberRow{
		ID:          subscriberID,
		DisplayName: displayName,
		CreatedAt:   time.Now().Unix(),
	}
	_, err := s.db.NamedExecContext(ctx, q, row)
	if isConstraint(err, codeConstraintPrimaryKey, codeConstraintUnique) {
		return nil, watcher.ErrSubscriberExists
	}
	if err != nil {
		return nil, fmt.Errorf("insert subscriber: %w", err)
	}

	s.logger.Info("Subscriber added", "subscriber", subscriberID, "display_name", displayName)
	return &watcher.Subscriber{
		ID:          row.ID,
		DisplayName: row.DisplayName,
		CreatedAt:   time.Unix(row.CreatedAt, 0).UTC(),
		Queries:     []*watcher.Query{},
	}, nil
}

// Subscriber returns one subscriber with its queries ordered by id.
func (s *Store) Subscriber(ctx context.Context, subscriberID string) (*watcher.Subscriber, error) {
	var row subscriberRow
	err := s.db.GetContext(ctx, &row, `SELECT id, display_name, created_at FROM subscribers WHERE id = ?;`, subscriberID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, watcher.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select subscriber: %w", err)
	}

	var rows []queryRow
	const q = `SELECT subscriber_id, query_id, text, last_executed_at FROM queries WHERE subscriber_id = ? ORDER BY query_id;`
	if err := s.db.SelectContext(ctx, &rows, q, subscriberID); err != nil {
		return nil, fmt.Errorf("select queries: %w", err)
	}

	sub := &watcher.Subscriber{
		ID:          row.ID,
		DisplayName: row.DisplayName,
		CreatedAt:   time.Unix(row.CreatedAt, 0).UTC(),
		Queries:     make([]*watcher.Query, 0, len(rows)),
	}
	for _, r := range rows {
		q := r.query()
		sub.Queries = append(sub.Queries, &q)
	}
	return sub, nil
}

// RemoveSubscriber deletes a subscriber and all of its queries.
func (s *Store) RemoveSubscriber(ctx context.Context, subscriberID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := subscriberExists(ctx, tx, subscriberID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM queries WHERE subscriber_id = ?;`, subscriberID); err != nil {
		return fmt.Errorf("delete queries: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM subscribers WHERE id = ?;`, subscriberID); err != nil {
		return fmt.Errorf("delete subscriber: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.logger.Info("Subscriber removed", "subscriber", subscriberID)
	return nil
}
