package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestRedisStoreCount(t *testing.T) {
	client, mock := redismock.NewClientMock()
	s := NewRedisStoreWithClient(client)
	ctx := context.Background()

	t.Run("ExistingCounter", func(t *testing.T) {
		mock.ExpectGet("kestrel:demo:ip:abc").SetVal("3")

		n, err := s.Count(ctx, "demo:ip:abc")
		if err != nil {
			t.Fatalf("Count failed: %v", err)
		}
		if n != 3 {
			t.Errorf("expected 3, got %d", n)
		}
	})

	t.Run("MissingKeyIsZero", func(t *testing.T) {
		mock.ExpectGet("kestrel:demo:ip:missing").RedisNil()

		n, err := s.Count(ctx, "demo:ip:missing")
		if err != nil {
			t.Fatalf("expected nil error for missing key, got %v", err)
		}
		if n != 0 {
			t.Errorf("expected 0, got %d", n)
		}
	})

	t.Run("TransportErrorIsUnavailable", func(t *testing.T) {
		mock.ExpectGet("kestrel:demo:ip:down").SetErr(errors.New("connection refused"))

		_, err := s.Count(ctx, "demo:ip:down")
		if !errors.Is(err, domain.ErrStoreUnavailable) {
			t.Errorf("expected ErrStoreUnavailable, got %v", err)
		}
	})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRedisStoreValues(t *testing.T) {
	client, mock := redismock.NewClientMock()
	s := NewRedisStoreWithClient(client)
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		mock.ExpectSet("kestrel:demo:account:42", "2026-01-01T00:00:00Z", 30*24*time.Hour).SetVal("OK")
		mock.ExpectGet("kestrel:demo:account:42").SetVal("2026-01-01T00:00:00Z")

		if err := s.SetValue(ctx, "demo:account:42", "2026-01-01T00:00:00Z", 30*24*time.Hour); err != nil {
			t.Fatalf("SetValue failed: %v", err)
		}
		val, err := s.GetValue(ctx, "demo:account:42")
		if err != nil {
			t.Fatalf("GetValue failed: %v", err)
		}
		if val != "2026-01-01T00:00:00Z" {
			t.Errorf("unexpected value: %s", val)
		}
	})

	t.Run("MissingValueIsEmpty", func(t *testing.T) {
		mock.ExpectGet("kestrel:demo:account:none").RedisNil()

		val, err := s.GetValue(ctx, "demo:account:none")
		if err != nil {
			t.Fatalf("expected nil error for missing key, got %v", err)
		}
		if val != "" {
			t.Errorf("expected empty value, got %q", val)
		}
	})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRedisStoreSetsAndLists(t *testing.T) {
	client, mock := redismock.NewClientMock()
	s := NewRedisStoreWithClient(client)
	ctx := context.Background()

	t.Run("SetMembers", func(t *testing.T) {
		mock.ExpectSMembers("kestrel:device_accounts:fp1").SetVal([]string{"a1", "a2"})

		members, err := s.SetMembers(ctx, "device_accounts:fp1")
		if err != nil {
			t.Fatalf("SetMembers failed: %v", err)
		}
		if len(members) != 2 {
			t.Errorf("expected 2 members, got %v", members)
		}
	})

	t.Run("ListRange", func(t *testing.T) {
		mock.ExpectLRange("kestrel:payments:u1", 0, -1).SetVal([]string{`{"id":"p2"}`, `{"id":"p1"}`})

		vals, err := s.ListRange(ctx, "payments:u1", 0, -1)
		if err != nil {
			t.Fatalf("ListRange failed: %v", err)
		}
		if len(vals) != 2 {
			t.Errorf("expected 2 entries, got %v", vals)
		}
	})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
