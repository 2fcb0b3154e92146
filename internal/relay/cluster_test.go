package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nullstreams/moq/internal/model"
	"github.com/nullstreams/moq/internal/transport"
)

func alwaysFailDialer(ctx context.Context, addr string) (transport.Session, error) {
	return nil, errors.New("dial " + addr + " failed")
}

func TestClusterConfigPrefixDefault(t *testing.T) {
	var cfg ClusterConfig
	if got := cfg.prefix(); got != defaultClusterPrefix {
		t.Fatalf("prefix() = %q, want default %q", got, defaultClusterPrefix)
	}

	cfg.Prefix = "custom/prefix"
	if got := cfg.prefix(); got != "custom/prefix" {
		t.Fatalf("prefix() = %q, want %q", got, "custom/prefix")
	}
}

func TestNewClusterInitializesEmptyPeers(t *testing.T) {
	// Only the peers map is checked: NewCluster must initialize it, and it
	// starts empty. Origins are nil and Run is not called.
	c := NewCluster(ClusterConfig{}, nil, nil, nil)
	if c.peers == nil {
		t.Fatal("expected peers map to be initialized")
	}
	if len(c.peers) != 0 {
		t.Fatalf("expected empty peers map, got %d entries", len(c.peers))
	}
}

func TestMaintainGivesUpOnceBackoffReachesCap(t *testing.T) {
	c := NewCluster(ClusterConfig{}, alwaysFailDialer, model.NewOrigin(), model.NewOrigin())
	c.initialBackoff = time.Millisecond
	c.maxBackoff = 4 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := c.maintain(ctx, "peer-1")
	if err == nil {
		t.Fatal("expected maintain to give up and return an error once backoff saturated")
	}
	if ctx.Err() != nil {
		t.Fatalf("maintain should have given up well before its context deadline, ctx.Err() = %v", ctx.Err())
	}
}

func TestMaintainReturnsNilOnContextCancel(t *testing.T) {
	c := NewCluster(ClusterConfig{}, alwaysFailDialer, model.NewOrigin(), model.NewOrigin())
	c.initialBackoff = time.Hour
	c.maxBackoff = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := c.maintain(ctx, "peer-1"); err != nil {
		t.Fatalf("maintain after ctx cancel = %v, want nil", err)
	}
}

func TestRunSurfacesRootConnectionGiveup(t *testing.T) {
	c := NewCluster(ClusterConfig{Connect: "root:1"}, alwaysFailDialer, model.NewOrigin(), model.NewOrigin())
	c.initialBackoff = time.Millisecond
	c.maxBackoff = 2 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.Run(ctx); err == nil {
		t.Fatal("expected Run to surface the root connection's giveup error")
	}
}
