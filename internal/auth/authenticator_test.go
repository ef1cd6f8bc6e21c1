package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeLookup struct {
	keys  map[string]string
	err   error
	calls int
}

func (f *fakeLookup) GetAPIKey(_ context.Context, key string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.keys[key], nil
}

func TestAuthenticateStaticKey(t *testing.T) {
	a := NewAuthenticator([]string{"k1", ""}, nil, time.Minute, nil)
	if subject, ok := a.Authenticate(context.Background(), "k1"); !ok || subject != "api-key" {
		t.Fatalf("static key: %q %v", subject, ok)
	}
	if _, ok := a.Authenticate(context.Background(), ""); ok {
		t.Fatal("empty key accepted")
	}
	if _, ok := a.Authenticate(context.Background(), "nope"); ok {
		t.Fatal("unknown key accepted")
	}
}

func TestAuthenticateCachesLookups(t *testing.T) {
	lookup := &fakeLookup{keys: map[string]string{"dev-1": "tablet-7"}}
	a := NewAuthenticator(nil, lookup, time.Minute, nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	for range 3 {
		subject, ok := a.Authenticate(context.Background(), "dev-1")
		if !ok || subject != "tablet-7" {
			t.Fatalf("got %q %v", subject, ok)
		}
	}
	if lookup.calls != 1 {
		t.Fatalf("lookups = %d, want 1", lookup.calls)
	}

	now = now.Add(2 * time.Minute)
	a.Authenticate(context.Background(), "dev-1")
	if lookup.calls != 2 {
		t.Fatalf("expired entry not refreshed, lookups = %d", lookup.calls)
	}
}

func TestAuthenticateLookupError(t *testing.T) {
	a := NewAuthenticator(nil, &fakeLookup{err: errors.New("redis down")}, time.Minute, nil)
	if _, ok := a.Authenticate(context.Background(), "dev-1"); ok {
		t.Fatal("key accepted on lookup error")
	}
}

func TestEnabled(t *testing.T) {
	if NewAuthenticator(nil, nil, time.Minute, nil).Enabled() {
		t.Error("no key sources should be disabled")
	}
	if !NewAuthenticator([]string{"k"}, nil, time.Minute, nil).Enabled() {
		t.Error("static keys should enable auth")
	}
}
