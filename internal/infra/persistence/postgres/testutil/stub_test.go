package testutil

import (
	"context"
	"database/sql/driver"
	"testing"
	"time"
)

func TestStubDBStoresAndQueriesRows(t *testing.T) {
	ctx := context.Background()
	_, conn := NewStubDB()

	if err := conn.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	base := time.Date(2025, 11, 2, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		_, err := conn.ExecContext(ctx, "INSERT INTO astm_results (id, received_at) VALUES ($1, $2)", []driver.NamedValue{
			{Value: id},
			{Value: base.Add(time.Duration(i) * time.Hour)},
		})
		if err != nil {
			t.Fatalf("ExecContext insert: %v", err)
		}
	}
	if _, err := conn.ExecContext(ctx, "INSERT INTO astm_results (id, received_at) VALUES ($1, $2)", []driver.NamedValue{{Value: "a"}, {Value: base}}); err == nil {
		t.Fatalf("expected duplicate key error")
	}
	if len(conn.Rows("astm_results")) != 3 {
		t.Fatalf("expected 3 rows, got %v", conn.Rows("astm_results"))
	}

	rows, err := conn.QueryContext(ctx, "SELECT id, received_at FROM astm_results ORDER BY received_at DESC, id DESC LIMIT $1", []driver.NamedValue{{Value: int64(2)}})
	if err != nil {
		t.Fatalf("QueryContext: %v", err)
	}
	defer func() { _ = rows.Close() }()
	dest := make([]driver.Value, 2)
	var ids []string
	for rows.Next(dest) == nil {
		ids = append(ids, dest[0].(string))
	}
	if len(ids) != 2 || ids[0] != "c" || ids[1] != "b" {
		t.Fatalf("unexpected rows: %v", ids)
	}
	byID, err := conn.QueryContext(ctx, "SELECT id, received_at FROM astm_results WHERE id = $1", []driver.NamedValue{{Value: "b"}})
	if err != nil {
		t.Fatalf("QueryContext where: %v", err)
	}
	defer func() { _ = byID.Close() }()
	var matched []string
	for byID.Next(dest) == nil {
		matched = append(matched, dest[0].(string))
	}
	if len(matched) != 1 || matched[0] != "b" {
		t.Fatalf("unexpected where rows: %v", matched)
	}
	if len(conn.Statements()) != 4 {
		t.Fatalf("expected 4 recorded statements, got %d", len(conn.Statements()))
	}
}

func TestParseSelectErrors(t *testing.T) {
	for _, q := range []string{"DELETE FROM x", "SELECT id", "SELECT id FROM ", "SELECT id FROM t LIMIT $x", "SELECT id FROM t WHERE id > $1"} {
		if _, err := parseSelect(q); err == nil {
			t.Fatalf("expected error for %q", q)
		}
	}
}
