package cache

import (
	"context"
	"testing"
	"time"

	"genmarket/internal/entity"

	"gorm.io/gorm"
)

func TestMemoryExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory(time.Minute)
	m.now = func() time.Time { return now }

	if err := m.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got, _ := m.Get(ctx, "k"); string(got) != "v" {
		t.Fatalf("expected hit, got %q", got)
	}

	now = now.Add(2 * time.Minute)
	if got, _ := m.Get(ctx, "k"); got != nil {
		t.Fatalf("expected expiry, got %q", got)
	}
}

type countingLoader struct {
	calls int
	cfg   entity.DbProviderConfig
}

func (l *countingLoader) GetProviderConfig(ctx context.Context, id string) (*entity.DbProviderConfig, error) {
	l.calls++
	if id != l.cfg.ID {
		return nil, gorm.ErrRecordNotFound
	}
	cfg := l.cfg
	return &cfg, nil
}

func TestProviderConfigsSnapshotAndInvalidate(t *testing.T) {
	ctx := context.Background()
	loader := &countingLoader{cfg: entity.DbProviderConfig{ID: "flux", Enabled: true, APIKey: "k1"}}
	configs := NewProviderConfigs(loader, NewMemory(time.Minute))

	first, err := configs.Get(ctx, "flux")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	first.APIKey = "mutated"

	second, err := configs.Get(ctx, "flux")
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if loader.calls != 1 {
		t.Fatalf("expected cached read, loader called %d times", loader.calls)
	}
	if second.APIKey != "k1" {
		t.Fatalf("snapshot leaked mutation: %q", second.APIKey)
	}

	loader.cfg.Enabled = false
	if err := configs.Invalidate(ctx, "flux"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	third, _ := configs.Get(ctx, "flux")
	if third.Enabled || loader.calls != 2 {
		t.Fatalf("expected reload after invalidate, got enabled=%v calls=%d", third.Enabled, loader.calls)
	}

	if _, err := configs.Get(ctx, "missing"); err == nil {
		t.Fatal("expected not found")
	}
}
