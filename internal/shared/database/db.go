package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/quotagate/quotagate/internal/shared/models"
)

// Store is the credential store contract the gateway consumes. Implemented
// by DB; tests substitute in-memory fakes.
type Store interface {
	GetCredential(ctx context.Context, id string) (*models.Credential, error)
	AppendUsage(ctx context.Context, id string, tokensUsed int64, windowStart time.Time) error
	ListCredentials(ctx context.Context) ([]models.Credential, error)
	PruneWindows(ctx context.Context, horizon time.Time) (int64, error)
}

// ErrNotFound is returned when no credential matches the given key.
var ErrNotFound = fmt.Errorf("credential not found")

type DB struct {
	conn *sql.DB
}

// New creates a new database connection
func New(databaseURL string) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(10)
	conn.SetConnMaxLifetime(5 * time.Minute)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// GetCredential retrieves a credential by its raw key value
func (db *DB) GetCredential(ctx context.Context, id string) (*models.Credential, error) {
	query := `
		SELECT id, name, model, token_limit_per_5h, expiry_at, created_at,
		       last_used_at, lifetime_tokens, usage_windows
		FROM credentials
		WHERE id = $1
	`

	var cred models.Credential
	var windows []byte
	err := db.conn.QueryRowContext(ctx, query, id).Scan(
		&cred.ID,
		&cred.Name,
		&cred.Model,
		&cred.TokenLimitPer5h,
		&cred.ExpiryAt,
		&cred.CreatedAt,
		&cred.LastUsedAt,
		&cred.LifetimeTokens,
		&windows,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	if len(windows) > 0 {
		if err := json.Unmarshal(windows, &cred.UsageWindows); err != nil {
			return nil, fmt.Errorf("corrupt usage_windows for credential %s: %w", cred.ID, err)
		}
	}

	return &cred, nil
}

// AppendUsage records a settled request in one atomic statement: the window
// entry is appended, lifetime_tokens bumped, and last_used_at refreshed
// together so the lifetime counter can never drift from the window log.
func (db *DB) AppendUsage(ctx context.Context, id string, tokensUsed int64, windowStart time.Time) error {
	entry, err := json.Marshal([]models.UsageWindow{{WindowStart: windowStart, TokensUsed: tokensUsed}})
	if err != nil {
		return fmt.Errorf("failed to encode usage window: %w", err)
	}

	query := `
		UPDATE credentials
		SET usage_windows = usage_windows || $2::jsonb,
		    lifetime_tokens = lifetime_tokens + $3,
		    last_used_at = NOW()
		WHERE id = $1
	`

	res, err := db.conn.ExecContext(ctx, query, id, entry, tokensUsed)
	if err != nil {
		return fmt.Errorf("failed to append usage: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListCredentials returns all credentials, newest first.
func (db *DB) ListCredentials(ctx context.Context) ([]models.Credential, error) {
	query := `
		SELECT id, name, model, token_limit_per_5h, expiry_at, created_at,
		       last_used_at, lifetime_tokens, usage_windows
		FROM credentials
		ORDER BY created_at DESC
	`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	defer rows.Close()

	var creds []models.Credential
	for rows.Next() {
		var cred models.Credential
		var windows []byte
		if err := rows.Scan(
			&cred.ID,
			&cred.Name,
			&cred.Model,
			&cred.TokenLimitPer5h,
			&cred.ExpiryAt,
			&cred.CreatedAt,
			&cred.LastUsedAt,
			&cred.LifetimeTokens,
			&windows,
		); err != nil {
			return nil, fmt.Errorf("database error: %w", err)
		}
		if len(windows) > 0 {
			if err := json.Unmarshal(windows, &cred.UsageWindows); err != nil {
				return nil, fmt.Errorf("corrupt usage_windows for credential %s: %w", cred.ID, err)
			}
		}
		creds = append(creds, cred)
	}

	return creds, rows.Err()
}

// PruneWindows drops persisted window entries older than the horizon.
// It only rewrites usage_windows; lifetime_tokens is untouched.
func (db *DB) PruneWindows(ctx context.Context, horizon time.Time) (int64, error) {
	query := `
		UPDATE credentials
		SET usage_windows = COALESCE(
			(SELECT jsonb_agg(w)
			 FROM jsonb_array_elements(usage_windows) AS w
			 WHERE (w->>'window_start')::timestamptz > $1),
			'[]'::jsonb)
		WHERE EXISTS (
			SELECT 1 FROM jsonb_array_elements(usage_windows) AS w
			WHERE (w->>'window_start')::timestamptz <= $1)
	`

	res, err := db.conn.ExecContext(ctx, query, horizon)
	if err != nil {
		return 0, fmt.Errorf("failed to prune usage windows: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
