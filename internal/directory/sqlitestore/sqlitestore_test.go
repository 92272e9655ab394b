package sqlitestore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"svcweave/internal/directory"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "directory.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s, path
}

func TestPutGetReplace(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()
	ctx := context.Background()

	if _, err := s.Get(ctx, "calculator", 2); !errors.Is(err, directory.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if err := s.Put(ctx, directory.Record{Name: "calculator", API: 2, Location: "10.0.0.5", Port: 9001, UpdatedAt: at}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put(ctx, directory.Record{Name: "calculator", API: 2, Location: "10.0.0.6", Port: 9002, UpdatedAt: at.Add(time.Minute)}); err != nil {
		t.Fatalf("put: %v", err)
	}

	rec, err := s.Get(ctx, "calculator", 2)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Location != "10.0.0.6" || rec.Port != 9002 || !rec.UpdatedAt.Equal(at.Add(time.Minute)) {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestListOrderedAndPersistent(t *testing.T) {
	s, path := openTemp(t)
	ctx := context.Background()
	for _, rec := range []directory.Record{
		{Name: "users", API: 1, Location: "a", Port: 1},
		{Name: "calculator", API: 3, Location: "b", Port: 2},
		{Name: "calculator", API: 2, Location: "c", Port: 3},
	} {
		if err := s.Put(ctx, rec); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	recs, err := reopened.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var got []string
	for _, r := range recs {
		got = append(got, r.Key())
	}
	want := []string{"calculator/v2", "calculator/v3", "users/v1"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
