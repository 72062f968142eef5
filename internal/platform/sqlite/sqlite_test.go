package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestOpenCreatesDatabase(t *testing.T) {
	cfg := Config{Path: filepath.Join(t.TempDir(), "nested", "flowgate.db")}
	db, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open() err=%v", err)
	}
	defer db.Close()

	if _, err := db.Exec(`CREATE TABLE t (id TEXT PRIMARY KEY)`); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO t (id) VALUES (?)`, "a"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_, err = db.Exec(`INSERT INTO t (id) VALUES (?)`, "a")
	if !IsUniqueViolation(err) {
		t.Fatalf("IsUniqueViolation(%v)=false, want true", err)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (Config{}).Validate(); err == nil {
		t.Fatalf("Validate() expected error for empty path")
	}
	if IsUniqueViolation(errors.New("boom")) {
		t.Fatalf("IsUniqueViolation(boom)=true")
	}
	if dsn := (Config{Path: "x.db"}).DSN(); !strings.Contains(dsn, "journal_mode(WAL)") {
		t.Fatalf("DSN()=%q, want WAL pragma", dsn)
	}
}
