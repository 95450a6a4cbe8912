package main

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/face-capture/internal/config"
	"github.com/example/face-capture/internal/recovery"
	"github.com/example/face-capture/internal/usecase"
)

func TestInitStoresWithoutRedisUsesMemory(t *testing.T) {
	st := initStores(context.Background(), config.RedisConfig{}, zap.NewNop())

	if _, ok := st.cache.(*usecase.MemoryCache); !ok {
		t.Fatalf("expected memory cache, got %T", st.cache)
	}
	if _, ok := st.forms.(*recovery.MemoryStore); !ok {
		t.Fatalf("expected memory form store, got %T", st.forms)
	}
	if st.ping != nil {
		t.Fatal("expected no redis health check")
	}
	if err := st.close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	ctx := context.Background()
	if err := st.cache.Set(ctx, "session-result:s-1", `{"category":"success"}`, time.Minute); err != nil {
		t.Fatalf("cache set: %v", err)
	}
	got, err := st.cache.Get(ctx, "session-result:s-1")
	if err != nil || got != `{"category":"success"}` {
		t.Fatalf("cache get = %q, %v", got, err)
	}

	if err := st.forms.Set(ctx, "form-recovery:name", "Ana"); err != nil {
		t.Fatalf("form set: %v", err)
	}
	if v, ok, err := st.forms.Get(ctx, "form-recovery:name"); err != nil || !ok || v != "Ana" {
		t.Fatalf("form get = %q, %v, %v", v, ok, err)
	}
}
