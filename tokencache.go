package flickrup

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// TokenCache is a TokenStore backed by a SQLite database.
type TokenCache struct {
	db     *sql.DB
	logger zerolog.Logger
}

// DefaultTokenCachePath returns ~/.flickr/oauth-tokens.sqlite.
func DefaultTokenCachePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("flickrup: locating home directory: %w", err)
	}
	return filepath.Join(home, ".flickr", "oauth-tokens.sqlite"), nil
}

// OpenTokenCache opens (creating if needed) the token database at path
// and brings its schema up to date. Use ":memory:" for a throwaway cache.
func OpenTokenCache(ctx context.Context, path string, logger zerolog.Logger) (*TokenCache, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("flickrup: creating token cache directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("flickrup: opening token cache: %w", err)
	}
	// a single connection keeps ":memory:" databases alive and serializes writers
	db.SetMaxOpenConns(1)

	if err := migrateTokenCache(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}
	logger.Debug().Str("path", path).Msg("token cache ready")
	return &TokenCache{db: db, logger: logger}, nil
}

func migrateTokenCache(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("flickrup: migration filesystem: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("flickrup: creating migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("flickrup: migrating token cache: %w", err)
	}
	for _, r := range results {
		logger.Debug().
			Str("source", r.Source.Path).
			Dur("duration", r.Duration).
			Msg("applied migration")
	}
	return nil
}

// Load returns the token cached for apiKey, or nil if there is none.
func (c *TokenCache) Load(ctx context.Context, apiKey string) (*Token, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT token, token_secret, perms, user_nsid, username, fullname
		 FROM oauth_tokens WHERE api_key = ?`, apiKey)

	var tok Token
	var perms string
	err := row.Scan(&tok.Token, &tok.Secret, &perms, &tok.UserNSID, &tok.Username, &tok.Fullname)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("flickrup: reading cached token: %w", err)
	}
	tok.Perms = Perms(perms)
	return &tok, nil
}

// Save stores tok for apiKey, replacing any previous token.
func (c *TokenCache) Save(ctx context.Context, apiKey string, tok *Token) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO oauth_tokens
		   (api_key, token, token_secret, perms, user_nsid, username, fullname, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(api_key) DO UPDATE SET
		   token = excluded.token,
		   token_secret = excluded.token_secret,
		   perms = excluded.perms,
		   user_nsid = excluded.user_nsid,
		   username = excluded.username,
		   fullname = excluded.fullname,
		   updated_at = excluded.updated_at`,
		apiKey, tok.Token, tok.Secret, string(tok.Perms), tok.UserNSID, tok.Username, tok.Fullname,
		time.Now().Unix())
	if err != nil {
		return fmt.Errorf("flickrup: saving token: %w", err)
	}
	c.logger.Debug().Str("user", tok.Username).Msg("cached access token")
	return nil
}

// Forget removes the token cached for apiKey.
func (c *TokenCache) Forget(ctx context.Context, apiKey string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE api_key = ?`, apiKey); err != nil {
		return fmt.Errorf("flickrup: forgetting token: %w", err)
	}
	return nil
}

func (c *TokenCache) Close() error {
	return c.db.Close()
}
