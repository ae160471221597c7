package study

import (
	"context"
	"fmt"

	"github.com/p-n-ai/pai-study/internal/platform/database"
)

// Open connects the store named by url: a PostgreSQL pool for postgres://
// URLs or an SQLite file for sqlite:// and file: URLs. The returned func
// releases the connection.
func Open(ctx context.Context, url string, maxConns, minConns int) (Store, func(), error) {
	driver, err := database.DriverFor(url)
	if err != nil {
		return nil, nil, err
	}

	switch driver {
	case database.SQLite:
		path, err := database.SQLitePath(url)
		if err != nil {
			return nil, nil, err
		}
		store, err := OpenSQLite(ctx, path)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		db, err := database.New(ctx, url, maxConns, minConns)
		if err != nil {
			return nil, nil, err
		}
		store, err := NewPostgresStore(ctx, db.Pool)
		if err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		return store, db.Close, nil
	}
}
