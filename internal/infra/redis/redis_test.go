package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func TestNewRedis(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)

	client, err := NewRedis(context.Background(), "redis://"+mr.Addr()+"/0", 8)
	if err != nil {
		t.Fatalf("NewRedis() error = %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	if got := client.Options().PoolSize; got != 8 {
		t.Fatalf("pool size = %d, want 8", got)
	}
}

func TestNewRedis_Errors(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	testCases := []struct {
		name string
		url  string
	}{
		{name: "invalid url", url: "not-a-redis-url"},
		{name: "unreachable server", url: "redis://" + addr + "/0"},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			client, err := NewRedis(context.Background(), tc.url, 0)
			if err == nil {
				_ = client.Close()
				t.Fatal("expected error")
			}
		})
	}
}
