package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"genmarket/internal/cache"
	"genmarket/internal/entity"
	"genmarket/internal/model"

	"github.com/shopspring/decimal"
)

func TestNormaliseProviderID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "大写转小写", input: " Flux-Pro ", want: "flux-pro"},
		{name: "允许下划线", input: "google_video", want: "google_video"},
		{name: "空字符串", input: "  ", wantErr: true},
		{name: "非法字符", input: "flux/pro", wantErr: true},
		{name: "不能以连字符开头", input: "-flux", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormaliseProviderID(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidProvider) {
					t.Fatalf("expected ErrInvalidProvider, got %v", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("got %q (%v), want %q", got, err, tt.want)
			}
		})
	}
}

func TestProviderServiceInvalidatesSnapshots(t *testing.T) {
	ctx := context.Background()
	repo, err := model.NewMemoryRepository(fmt.Sprintf("providers_%d", fixtureSeq.Add(1)))
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	snapshots := cache.NewProviderConfigs(repo, cache.NewMemory(time.Hour))
	svc := NewProviderService(repo, snapshots)

	created, err := svc.Create(ctx, entity.ProviderCreateRequest{
		ID:      "Flux-EU",
		Name:    "FLUX EU",
		Driver:  "FLUX",
		APIKey:  " key-123 ",
		Pricing: entity.PricingTable{Default: decimal.NewFromInt(8)},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID != "flux-eu" || created.Driver != entity.ProviderDriverFlux || !created.Enabled || created.APIKey != "key-123" {
		t.Fatalf("unexpected provider: %+v", created)
	}

	if _, err := svc.Create(ctx, entity.ProviderCreateRequest{ID: "flux-eu", Name: "dup", Driver: "flux"}); !errors.Is(err, ErrProviderExists) {
		t.Fatalf("expected ErrProviderExists, got %v", err)
	}
	if _, err := svc.Create(ctx, entity.ProviderCreateRequest{ID: "other", Name: "x", Driver: "dalle"}); !errors.Is(err, ErrInvalidProvider) {
		t.Fatalf("expected ErrInvalidProvider, got %v", err)
	}

	// 先读一次，快照进入缓存
	snapshot, err := snapshots.Get(ctx, "flux-eu")
	if err != nil || !snapshot.Enabled {
		t.Fatalf("snapshot: %+v (%v)", snapshot, err)
	}

	disabled := false
	price := entity.PricingTable{Default: decimal.NewFromInt(12)}
	if _, err := svc.Update(ctx, "flux-eu", entity.ProviderUpdateRequest{Enabled: &disabled, Pricing: &price}); err != nil {
		t.Fatalf("update: %v", err)
	}
	snapshot, err = snapshots.Get(ctx, "flux-eu")
	if err != nil {
		t.Fatalf("snapshot after update: %v", err)
	}
	if snapshot.Enabled || !snapshot.Pricing.Default.Equal(decimal.NewFromInt(12)) {
		t.Fatalf("snapshot not refreshed after update: %+v", snapshot)
	}

	if _, err := svc.Update(ctx, "missing", entity.ProviderUpdateRequest{Enabled: &disabled}); !errors.Is(err, ErrProviderNotFound) {
		t.Fatalf("expected ErrProviderNotFound, got %v", err)
	}

	if err := svc.Delete(ctx, "flux-eu"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := snapshots.Get(ctx, "flux-eu"); err == nil {
		t.Fatal("deleted provider must not be served from cache")
	}
	if err := svc.Delete(ctx, "flux-eu"); !errors.Is(err, ErrProviderNotFound) {
		t.Fatalf("expected ErrProviderNotFound on second delete, got %v", err)
	}
}
