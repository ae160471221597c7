package study_test

import (
	"path/filepath"
	"testing"

	"github.com/p-n-ai/pai-study/internal/study"
)

func TestSQLiteStore(t *testing.T) {
	ctx := t.Context()
	store, err := study.OpenSQLite(ctx, filepath.Join(t.TempDir(), "study.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	runStoreSuite(t, store)
}

func TestOpenSQLite_EmptyPath(t *testing.T) {
	if _, err := study.OpenSQLite(t.Context(), ""); err == nil {
		t.Fatal("OpenSQLite(\"\") should fail")
	}
}

func TestOpen_SQLiteURL(t *testing.T) {
	url := "sqlite://" + filepath.Join(t.TempDir(), "open.db")
	store, closeFn, err := study.Open(t.Context(), url, 1, 1)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer closeFn()

	if _, ok := store.(*study.SQLiteStore); !ok {
		t.Errorf("Open(%q) = %T, want *study.SQLiteStore", url, store)
	}
}

func TestOpen_BadURL(t *testing.T) {
	if _, _, err := study.Open(t.Context(), "mysql://localhost/db", 1, 1); err == nil {
		t.Fatal("Open() should reject an unsupported scheme")
	}
}

func TestSQLiteDSN(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"study.db", "study.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"},
		{"study.db?mode=rwc", "study.db?mode=rwc&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"},
	}
	for _, tt := range tests {
		if got := study.SQLiteDSN(tt.path); got != tt.want {
			t.Errorf("SQLiteDSN(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
