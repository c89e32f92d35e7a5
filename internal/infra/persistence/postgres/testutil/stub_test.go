package testutil

import (
	"context"
	"database/sql/driver"
	"testing"
)

func TestStubDBRecordsAndAnswers(t *testing.T) {
	ctx := context.Background()
	db, conn := NewStubDB()
	defer func() { _ = db.Close() }()

	if _, err := db.ExecContext(ctx, "INSERT INTO entities (identity) VALUES ($1)", "ada"); err != nil {
		t.Fatalf("exec: %v", err)
	}
	if got := conn.ExecContaining("INSERT INTO entities"); len(got) != 1 || got[0].Args[0] != "ada" {
		t.Fatalf("expected recorded insert, got %v", got)
	}

	conn.Rows["select identity from entities"] = [][]driver.Value{{"ada"}, {"grace"}}
	rows, err := db.QueryContext(ctx, "SELECT identity FROM entities ORDER BY identity")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer func() { _ = rows.Close() }()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			t.Fatalf("scan: %v", err)
		}
		ids = append(ids, id)
	}
	if len(ids) != 2 || ids[0] != "ada" || ids[1] != "grace" {
		t.Fatalf("unexpected rows %v", ids)
	}

	conn.FailExec = true
	if _, err := db.ExecContext(ctx, "DELETE FROM entities"); err == nil {
		t.Fatalf("expected exec failure")
	}
}
