// Package sqlite is the SQLite-backed FeedStore.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/blackmichael/activity-feeds/internal/domain"
)

//go:embed schema.sql
var schema string

// DefaultPageSize is used when the caller does not ask for a limit and the
// repository was opened without one.
const DefaultPageSize = 25

// Repository implements domain.FeedStore using SQLite.
type Repository struct {
	db           *sql.DB
	defaultLimit int
	now          func() time.Time
}

// NewRepository opens the SQLite database at path, applies the schema, and
// returns a new Repository. defaultLimit is the page size used when a read
// carries no limit; values below 1 fall back to DefaultPageSize. The caller
// should call Close when the repository is no longer needed.
func NewRepository(path string, defaultLimit int) (*Repository, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("database path is required")
	}

	dsn := path
	if path != ":memory:" {
		dsn = filepath.Clean(path)
	}
	dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite serializes writers; one connection keeps it simple.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	if defaultLimit < 1 {
		defaultLimit = DefaultPageSize
	}

	return &Repository{db: db, defaultLimit: defaultLimit, now: time.Now}, nil
}

// Close closes the underlying database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// AddActivity registers the feed if needed and appends the activity to it.
func (r *Repository) AddActivity(ctx context.Context, slug, userID, actor, verb, object string, attrs domain.Attributes) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate activity id: %w", err)
	}

	encoded, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("encode attributes: %w", err)
	}

	var ts string
	if v, ok := attrs.Get(domain.AttrTime); ok {
		ts = v.String()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	key := domain.NewFeedKey(slug, userID)
	now := r.now().UTC().UnixMilli()

	if err := ensureFeed(ctx, tx, key, now); err != nil {
		return "", err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO activities (id, feed_key, actor, verb, object, time, attributes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(), key.String(), actor, verb, object, ts, string(encoded), now,
	)
	if err != nil {
		return "", fmt.Errorf("insert activity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit transaction: %w", err)
	}

	return id.String(), nil
}

// Follow creates the edge source -> target. It returns false without error
// when the target feed is unknown or the edge already exists.
func (r *Repository) Follow(ctx context.Context, source, target string) (bool, error) {
	sourceKey, ok := parseFeedKey(source)
	if !ok {
		return false, fmt.Errorf("invalid source feed %q", source)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	exists, err := feedExists(ctx, tx, target)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}

	now := r.now().UTC().UnixMilli()
	if err := ensureFeed(ctx, tx, sourceKey, now); err != nil {
		return false, err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO follows (source, target, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (source, target) DO NOTHING`,
		source, target, now,
	)
	if err != nil {
		return false, fmt.Errorf("insert follow %s -> %s: %w", source, target, err)
	}
	created, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}

	return created > 0, nil
}

// GetFeed returns the feed's own activities merged with those of every feed
// it follows, newest first.
func (r *Repository) GetFeed(ctx context.Context, slug, userID string, limit *int, offset int) ([]domain.Activity, bool, error) {
	key := domain.NewFeedKey(slug, userID).String()

	exists, err := feedExists(ctx, r.db, key)
	if err != nil {
		return nil, false, err
	}
	if !exists {
		return nil, false, nil
	}

	pageSize := r.defaultLimit
	if limit != nil {
		pageSize = *limit
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, actor, verb, object, attributes
		FROM activities
		WHERE feed_key = ?
		   OR feed_key IN (SELECT target FROM follows WHERE source = ?)
		ORDER BY time DESC, seq DESC
		LIMIT ? OFFSET ?`,
		key, key, pageSize, offset,
	)
	if err != nil {
		return nil, false, fmt.Errorf("query feed %s (limit=%d, offset=%d): %w", key, pageSize, offset, err)
	}
	defer rows.Close()

	activities := []domain.Activity{}
	for rows.Next() {
		var (
			a     domain.Activity
			attrs string
		)
		if err := rows.Scan(&a.ID, &a.Actor, &a.Verb, &a.Object, &attrs); err != nil {
			return nil, false, fmt.Errorf("scan activity: %w", err)
		}
		if err := json.Unmarshal([]byte(attrs), &a.Attributes); err != nil {
			return nil, false, fmt.Errorf("decode attributes of %s: %w", a.ID, err)
		}
		activities = append(activities, a)
	}

	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate activities: %w", err)
	}

	return activities, true, nil
}

// Prune removes activities stored longer than maxAge ago. Returns the number
// of rows deleted.
func (r *Repository) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM activities WHERE created_at < ?`,
		r.now().UTC().Add(-maxAge).UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("delete expired activities: %w", err)
	}
	return res.RowsAffected()
}

// RunRetention prunes expired activities immediately and then at the given
// interval. It blocks until ctx is cancelled. A zero maxAge disables it.
func (r *Repository) RunRetention(ctx context.Context, interval, maxAge time.Duration, logger *slog.Logger) {
	if maxAge <= 0 || interval <= 0 {
		return
	}

	r.runPrune(ctx, maxAge, logger)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runPrune(ctx, maxAge, logger)
		}
	}
}

func (r *Repository) runPrune(ctx context.Context, maxAge time.Duration, logger *slog.Logger) {
	deleted, err := r.Prune(ctx, maxAge)
	if err != nil {
		logger.Error("activity retention failed", "error", err)
	} else if deleted > 0 {
		logger.Info("activity retention complete", "deleted", deleted)
	}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func ensureFeed(ctx context.Context, db execer, key domain.FeedKey, now int64) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO feeds (feed_key, slug, user_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (feed_key) DO NOTHING`,
		key.String(), key.Slug, key.UserID, now,
	)
	if err != nil {
		return fmt.Errorf("register feed %s: %w", key, err)
	}
	return nil
}

func feedExists(ctx context.Context, db queryer, key string) (bool, error) {
	var one int
	err := db.QueryRowContext(ctx, `SELECT 1 FROM feeds WHERE feed_key = ?`, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("look up feed %s: %w", key, err)
	}
	return true, nil
}

// parseFeedKey splits "slug:user_id" at the first colon.
func parseFeedKey(s string) (domain.FeedKey, bool) {
	slug, userID, ok := strings.Cut(s, ":")
	if !ok || slug == "" || userID == "" {
		return domain.FeedKey{}, false
	}
	return domain.NewFeedKey(slug, userID), true
}
