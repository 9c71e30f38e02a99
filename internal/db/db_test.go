package db

import (
	"context"
	"path/filepath"
	"testing"
)

func TestOpenExecQuery(t *testing.T) {
	dir := t.TempDir()
	database, err := Open(Config{DSN: "file:" + filepath.Join(dir, "test.db"), MaxConns: 2})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer database.Close()

	ctx := context.Background()
	if _, err := database.Exec(ctx, `CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := database.Exec(ctx, `INSERT INTO items (name) VALUES (?)`, "widget"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	rows, release, err := database.Query(ctx, `SELECT name FROM items`)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer release()
	defer rows.Close()

	var got []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("scan: %v", err)
		}
		got = append(got, name)
	}
	if len(got) != 1 || got[0] != "widget" {
		t.Fatalf("expected [widget], got %v", got)
	}
}

func TestPoolBoundsConcurrentConnections(t *testing.T) {
	dir := t.TempDir()
	database, err := Open(Config{DSN: "file:" + filepath.Join(dir, "bound.db"), MaxConns: 1})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer database.Close()

	ctx := context.Background()
	guard, err := database.Get(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		second, err := database.Get(ctx)
		if err != nil {
			return
		}
		defer second.Release()
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatalf("expected second Get to block while capacity is exhausted")
	default:
	}

	guard.Release()
	<-acquired
}
