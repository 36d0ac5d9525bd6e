package store

import (
	"context"
	"testing"
)

func TestMemoryStoreGetSetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	err := s.Set(ctx, map[Category]map[string][]byte{
		CategorySession: {"alice": []byte("session-a")},
	})
	if err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := s.Get(ctx, CategorySession, []string{"alice", "bob"})
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got["alice"]) != "session-a" {
		t.Errorf("got[alice] = %q", got["alice"])
	}
	if _, ok := got["bob"]; ok {
		t.Errorf("got[bob] should be absent, got %q", got["bob"])
	}
}

func TestMemoryStoreDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Set(ctx, map[Category]map[string][]byte{CategorySession: {"alice": []byte("x")}})
	_ = s.Set(ctx, map[Category]map[string][]byte{CategorySession: {"alice": nil}})

	got, err := s.Get(ctx, CategorySession, []string{"alice"})
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if _, ok := got["alice"]; ok {
		t.Errorf("alice should have been deleted, got %q", got["alice"])
	}
}

func TestMemoryStoreUnknownCategory(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if _, err := s.Get(ctx, Category("bogus"), []string{"x"}); err == nil {
		t.Error("Get() with unknown category should error")
	}
	if err := s.Set(ctx, map[Category]map[string][]byte{"bogus": {"x": []byte("y")}}); err == nil {
		t.Error("Set() with unknown category should error")
	}
}

func TestMemoryStoreTransactionCommit(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	err := s.WithTransaction(ctx, func(ctx context.Context) error {
		return s.Set(ctx, map[Category]map[string][]byte{
			CategorySenderKey: {"group1": []byte("state")},
		})
	})
	if err != nil {
		t.Fatalf("WithTransaction() error = %v", err)
	}

	got, err := s.Get(ctx, CategorySenderKey, []string{"group1"})
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got["group1"]) != "state" {
		t.Errorf("got[group1] = %q, want %q", got["group1"], "state")
	}
}

func TestMemoryStoreTransactionRollbackOnError(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	wantErr := errTest("boom")
	err := s.WithTransaction(ctx, func(ctx context.Context) error {
		if err := s.Set(ctx, map[Category]map[string][]byte{
			CategorySenderKey: {"group1": []byte("state")},
		}); err != nil {
			return err
		}
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("WithTransaction() error = %v, want %v", err, wantErr)
	}

	got, err := s.Get(ctx, CategorySenderKey, []string{"group1"})
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if _, ok := got["group1"]; ok {
		t.Errorf("a failed transaction should not have written group1, got %q", got["group1"])
	}
}

func TestMemoryStoreTransactionReadsOwnWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Set(ctx, map[Category]map[string][]byte{CategorySession: {"alice": []byte("old")}})

	err := s.WithTransaction(ctx, func(ctx context.Context) error {
		if err := s.Set(ctx, map[Category]map[string][]byte{CategorySession: {"alice": []byte("new")}}); err != nil {
			return err
		}
		got, err := s.Get(ctx, CategorySession, []string{"alice"})
		if err != nil {
			return err
		}
		if string(got["alice"]) != "new" {
			t.Errorf("in-transaction read = %q, want %q", got["alice"], "new")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTransaction() error = %v", err)
	}
}

func TestMemoryStoreNestedTransactionJoins(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	calls := 0
	err := s.WithTransaction(ctx, func(ctx context.Context) error {
		calls++
		return s.WithTransaction(ctx, func(ctx context.Context) error {
			calls++
			return s.Set(ctx, map[Category]map[string][]byte{CategorySession: {"alice": []byte("v")}})
		})
	})
	if err != nil {
		t.Fatalf("WithTransaction() error = %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
	got, _ := s.Get(ctx, CategorySession, []string{"alice"})
	if string(got["alice"]) != "v" {
		t.Errorf("got[alice] = %q", got["alice"])
	}
}

type errTest string

func (e errTest) Error() string { return string(e) }
