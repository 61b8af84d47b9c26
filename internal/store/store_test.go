package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// openTestDB opens a fresh database with schema in a temp dir.
func openTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return db
}

func TestOpen_CreatesTables(t *testing.T) {
	db := openTestDB(t)

	for _, table := range []string{"kv", "boards", "mutations"} {
		var count int
		err := db.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		if err != nil {
			t.Fatalf("failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s does not exist", table)
		}
	}
}

func TestInitSchema_Idempotent(t *testing.T) {
	db := openTestDB(t)
	if err := db.InitSchema(context.Background()); err != nil {
		t.Errorf("second InitSchema() failed: %v", err)
	}
}

func TestOpen_SecondOwnerRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	first, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	if second, err := Open(path); err == nil {
		_ = second.Close()
		t.Fatal("expected second Open() on the same path to fail")
	}

	if err := first.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	again, err := Open(path)
	if err != nil {
		t.Fatalf("Open() after Close() failed: %v", err)
	}
	_ = again.Close()
}

func TestKV_RoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.GetKV(ctx, "token"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetKV() on empty db error = %v, want ErrNotFound", err)
	}

	if err := db.PutKV(ctx, "token", []byte(`"abc"`)); err != nil {
		t.Fatalf("PutKV() failed: %v", err)
	}
	if err := db.PutKV(ctx, "token", []byte(`"def"`)); err != nil {
		t.Fatalf("PutKV() overwrite failed: %v", err)
	}

	got, err := db.GetKV(ctx, "token")
	if err != nil {
		t.Fatalf("GetKV() failed: %v", err)
	}
	if string(got) != `"def"` {
		t.Errorf("GetKV() = %s, want \"def\"", got)
	}

	if err := db.DeleteKV(ctx, "token"); err != nil {
		t.Fatalf("DeleteKV() failed: %v", err)
	}
	if err := db.DeleteKV(ctx, "token"); err != nil {
		t.Errorf("DeleteKV() should be idempotent: %v", err)
	}
}

func TestBoards_Ordering(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	rows := []BoardRow{
		{ID: "b2", Position: 1, Data: []byte(`{"id":"b2"}`)},
		{ID: "b1", Position: 0, Data: []byte(`{"id":"b1"}`)},
	}
	if err := db.ReplaceBoards(ctx, rows); err != nil {
		t.Fatalf("ReplaceBoards() failed: %v", err)
	}

	got, err := db.LoadBoards(ctx)
	if err != nil {
		t.Fatalf("LoadBoards() failed: %v", err)
	}
	if len(got) != 2 || got[0].ID != "b1" || got[1].ID != "b2" {
		t.Fatalf("LoadBoards() = %+v, want b1 then b2", got)
	}

	if err := db.PutBoard(ctx, BoardRow{ID: "b1", Position: 0, Data: []byte(`{"id":"b1","name":"x"}`)}); err != nil {
		t.Fatalf("PutBoard() failed: %v", err)
	}
	if err := db.DeleteBoard(ctx, "b2"); err != nil {
		t.Fatalf("DeleteBoard() failed: %v", err)
	}

	got, err = db.LoadBoards(ctx)
	if err != nil {
		t.Fatalf("LoadBoards() failed: %v", err)
	}
	if len(got) != 1 || string(got[0].Data) != `{"id":"b1","name":"x"}` {
		t.Errorf("LoadBoards() = %+v", got)
	}
}

func TestMutations_FIFOPerBoard(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now()

	appends := []MutationRow{
		{Board: "b1", Type: "create", Card: []byte(`{"id":"1"}`), EnqueuedAt: now},
		{Board: "b2", Type: "create", Card: []byte(`{"id":"2"}`), EnqueuedAt: now},
		{Board: "b1", Type: "update", Card: []byte(`{"id":"1"}`), EnqueuedAt: now},
		{Board: "b1", Type: "delete", Card: []byte(`{"id":"1"}`), EnqueuedAt: now},
	}
	for _, r := range appends {
		if _, err := db.AppendMutation(ctx, r); err != nil {
			t.Fatalf("AppendMutation() failed: %v", err)
		}
	}

	b1, err := db.ListMutations(ctx, MutationFilter{Board: "b1"})
	if err != nil {
		t.Fatalf("ListMutations() failed: %v", err)
	}
	wantTypes := []string{"create", "update", "delete"}
	if len(b1) != len(wantTypes) {
		t.Fatalf("got %d rows for b1, want %d", len(b1), len(wantTypes))
	}
	for i, w := range wantTypes {
		if b1[i].Type != w {
			t.Errorf("row %d type = %s, want %s", i, b1[i].Type, w)
		}
		if i > 0 && b1[i].Seq <= b1[i-1].Seq {
			t.Errorf("seq not increasing: %d after %d", b1[i].Seq, b1[i-1].Seq)
		}
	}

	boards, err := db.MutationBoards(ctx)
	if err != nil {
		t.Fatalf("MutationBoards() failed: %v", err)
	}
	if len(boards) != 2 || boards[0] != "b1" {
		t.Errorf("MutationBoards() = %v, want [b1 b2]", boards)
	}

	if err := db.DeleteMutations(ctx, []int64{b1[0].Seq, b1[1].Seq}); err != nil {
		t.Fatalf("DeleteMutations() failed: %v", err)
	}
	count, err := db.MutationCount(ctx)
	if err != nil {
		t.Fatalf("MutationCount() failed: %v", err)
	}
	if count != 2 {
		t.Errorf("MutationCount() = %d, want 2", count)
	}
}

func TestMutations_SinceFilter(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	old := time.Now().Add(-2 * time.Hour)
	recent := time.Now()

	for _, at := range []time.Time{old, recent} {
		if _, err := db.AppendMutation(ctx, MutationRow{Board: "b1", Type: "update", Card: []byte(`{}`), EnqueuedAt: at}); err != nil {
			t.Fatalf("AppendMutation() failed: %v", err)
		}
	}

	got, err := db.ListMutations(ctx, MutationFilter{Since: time.Now().Add(-time.Hour)})
	if err != nil {
		t.Fatalf("ListMutations() failed: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("got %d rows since 1h ago, want 1", len(got))
	}
}
