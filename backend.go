package fastpull

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"

	goredis "github.com/redis/go-redis/v9"

	"github.com/meigma/fastpull/config"
	"github.com/meigma/fastpull/record"
	"github.com/meigma/fastpull/record/disk"
	"github.com/meigma/fastpull/record/redis"
	"github.com/meigma/fastpull/record/sqlite"
)

// Collection names within a scope's index.
const (
	blobCollection = "blobs"
	refCollection  = "refs"
)

// backends holds the two record collections of a scope and the shared
// connection behind them, if any.
type backends struct {
	blobs record.Backend
	refs  record.Backend
	close func() error
}

// openBackends opens the blob and ref collections for one scope.
//
// On disk the blob records live in the index directory (default
// root + "-index") and refs in a sibling "-refs" directory. SQLite keeps
// both as tables in one database file. Redis keeps both as hashes named
// after the scope.
func openBackends(ctx context.Context, name string, sc config.ScopeConfig) (*backends, error) {
	switch sc.Backend {
	case config.BackendDisk, "":
		index := sc.Index
		if index == "" {
			index = filepath.Clean(sc.Root) + "-index"
		}
		blobs, err := disk.New(index)
		if err != nil {
			return nil, err
		}
		refs, err := disk.New(filepath.Clean(index) + "-refs")
		if err != nil {
			return nil, err
		}
		return &backends{blobs: blobs, refs: refs, close: func() error { return nil }}, nil

	case config.BackendSQLite:
		db, err := sql.Open(sqlite.DriverName, sc.Index)
		if err != nil {
			return nil, fmt.Errorf("fastpull: scope %s: open sqlite: %w", name, err)
		}
		db.SetMaxOpenConns(1)
		blobs, err := sqlite.New(ctx, db, blobCollection)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		refs, err := sqlite.New(ctx, db, refCollection)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return &backends{blobs: blobs, refs: refs, close: db.Close}, nil

	case config.BackendRedis:
		o, err := goredis.ParseURL(sc.DSN)
		if err != nil {
			return nil, fmt.Errorf("fastpull: scope %s: parse redis url: %w", name, err)
		}
		client := goredis.NewClient(o)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("fastpull: scope %s: ping redis: %w", name, err)
		}
		blobs, err := redis.New(client, name+":"+blobCollection)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		refs, err := redis.New(client, name+":"+refCollection)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return &backends{blobs: blobs, refs: refs, close: client.Close}, nil

	default:
		return nil, fmt.Errorf("fastpull: scope %s: unknown backend %q", name, sc.Backend)
	}
}
