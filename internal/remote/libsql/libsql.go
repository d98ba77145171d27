// Package libsql opens the production remote store: a Turso/libSQL database
// reached over the network, or through an embedded replica that keeps a local
// copy in sync with the primary.
package libsql

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	golibsql "github.com/tursodatabase/go-libsql"

	"github.com/mschirtzinger/dayplan/internal/remote"
)

// Options locate the remote database.
type Options struct {
	// URL of the primary, e.g. libsql://planner-me.turso.io.
	URL string
	// AuthToken is sent with every request when set.
	AuthToken string
	// ReplicaPath, when set, opens an embedded replica at that path instead
	// of talking to the primary for every query.
	ReplicaPath string
	// SyncInterval is how often the replica pulls from the primary.
	SyncInterval time.Duration
}

// Open connects to the remote database, creates the remote tables and
// returns the store. Closing the store closes the connection.
func Open(ctx context.Context, opts Options, cfg *remote.SQLConfig) (*remote.SQLStore, error) {
	db, closer, err := openDB(opts)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		closer()
		return nil, fmt.Errorf("failed to reach %s: %w", redact(opts.URL), err)
	}

	store := remote.NewSQLStore(db, cfg)
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		closer()
		return nil, err
	}
	return store, nil
}

func openDB(opts Options) (*sql.DB, func(), error) {
	if opts.URL == "" {
		return nil, nil, fmt.Errorf("remote url is required")
	}

	if opts.ReplicaPath != "" {
		if err := os.MkdirAll(filepath.Dir(opts.ReplicaPath), 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create replica directory: %w", err)
		}
		var options []golibsql.Option
		if opts.AuthToken != "" {
			options = append(options, golibsql.WithAuthToken(opts.AuthToken))
		}
		if opts.SyncInterval > 0 {
			options = append(options, golibsql.WithSyncInterval(opts.SyncInterval))
		}
		connector, err := golibsql.NewEmbeddedReplicaConnector(opts.ReplicaPath, opts.URL, options...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open replica of %s: %w", redact(opts.URL), err)
		}
		return sql.OpenDB(connector), func() { _ = connector.Close() }, nil
	}

	dsn, err := DSN(opts.URL, opts.AuthToken)
	if err != nil {
		return nil, nil, err
	}
	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s: %w", redact(opts.URL), err)
	}
	return db, func() {}, nil
}

// DSN adds the auth token to the primary URL.
func DSN(rawURL, token string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid remote url: %w", err)
	}
	switch u.Scheme {
	case "libsql", "https", "http", "wss", "ws":
	default:
		return "", fmt.Errorf("unsupported remote url scheme %q", u.Scheme)
	}
	if token != "" {
		q := u.Query()
		q.Set("authToken", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// redact drops the query so tokens never reach logs.
func redact(rawURL string) string {
	if i := strings.IndexByte(rawURL, '?'); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}
