package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nullstreams/moq/internal/model"
	"github.com/nullstreams/moq/internal/session"
	"github.com/nullstreams/moq/internal/transport"
	"github.com/nullstreams/moq/internal/wirepath"
)

// ClusterConfig configures one node's participation in a relay cluster
// (spec §4.9, §6 --cluster-connect / --cluster-token / --cluster-advertise
// / --cluster-prefix).
type ClusterConfig struct {
	// Connect is the root node's address to dial, empty if this node is the
	// root (other nodes connect to it instead).
	Connect string
	// Token authorizes this node's connection to the root, and the root's
	// mirrored connections back out to this node.
	Token string
	// Advertise is this node's own address, announced under Prefix so
	// peers can discover and dial it directly (full mesh).
	Advertise string
	// Prefix is the origin-tree path cluster nodes announce themselves
	// under. Defaults to "internal/origins".
	Prefix string
}

const defaultClusterPrefix = "internal/origins"

func (c ClusterConfig) prefix() string {
	if c.Prefix == "" {
		return defaultClusterPrefix
	}
	return c.Prefix
}

// Dialer opens a transport session to a cluster peer's advertised address.
type Dialer func(ctx context.Context, addr string) (transport.Session, error)

// Cluster maintains the secondary-origin mesh connections to sibling relay
// nodes (spec §4.9): it publishes this node's own no-op self-announcement,
// discovers peers announced under the cluster prefix, and keeps a
// reconnecting outbound session open to the root and to every discovered
// peer.
type Cluster struct {
	cfg  ClusterConfig
	dial Dialer

	primary   *model.Origin
	secondary *model.Origin

	mu    sync.Mutex
	peers map[string]context.CancelFunc

	selfAnnounce *model.BroadcastProducer

	// initialBackoff/maxBackoff parameterize maintain's reconnection policy
	// (spec §4.9); overridable by tests so the give-up ceiling doesn't take
	// the production 300s cap to reach.
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

const (
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = 300 * time.Second
)

// NewCluster builds a cluster controller over primary (this node's
// locally-hosted broadcasts) and secondary (broadcasts mirrored in from
// other cluster nodes).
func NewCluster(cfg ClusterConfig, dial Dialer, primary, secondary *model.Origin) *Cluster {
	return &Cluster{
		cfg:            cfg,
		dial:           dial,
		primary:        primary,
		secondary:      secondary,
		peers:          make(map[string]context.CancelFunc),
		initialBackoff: defaultInitialBackoff,
		maxBackoff:     defaultMaxBackoff,
	}
}

// Run self-announces (if configured), connects to the root node (if this
// isn't the root), and watches the secondary origin for newly discovered
// peers to mesh-connect to. It blocks until ctx is cancelled or, per spec
// §4.9's reconnection policy, the root connection's backoff exhausts and
// maintain gives up — that failure is fatal and returned from Run, since a
// node that cannot reach its configured root is no longer meshed at all.
// A discovered peer giving up is not fatal to the cluster as a whole; it is
// logged and the peer is simply dropped, free to be rediscovered later.
func (c *Cluster) Run(ctx context.Context) error {
	if c.cfg.Advertise != "" {
		noopProducer, noopConsumer := model.NewBroadcast()
		c.selfAnnounce = noopProducer
		c.primary.Publish(wirepath.New(c.cfg.prefix()).JoinString(c.cfg.Advertise), noopConsumer)
	}

	g, gctx := errgroup.WithContext(ctx)

	if c.cfg.Connect != "" {
		g.Go(func() error { return c.maintain(gctx, c.cfg.Connect) })
	}

	g.Go(func() error {
		c.watchPeers(gctx)
		return nil
	})

	err := g.Wait()
	if c.selfAnnounce != nil {
		c.selfAnnounce.Close()
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}

// watchPeers mirrors secondary's announce stream under the cluster prefix
// and mesh-connects to every newly discovered peer other than this node.
func (c *Cluster) watchPeers(ctx context.Context) {
	consumer := model.NewOriginConsumer(c.secondary)
	prefix := wirepath.New(c.cfg.prefix())
	sub, err := consumer.Announced(prefix)
	if err != nil {
		slog.Error("cluster: watching peer announcements", "error", err)
		return
	}
	defer sub.Close()

	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if !ev.Active || ev.Suffix.IsRoot() {
			continue
		}
		addr := ev.Suffix.Segments[0]
		if addr == c.cfg.Advertise {
			continue
		}
		c.spawnPeer(ctx, addr)
	}
}

// spawnPeer starts a maintain loop for addr if one isn't already running.
func (c *Cluster) spawnPeer(ctx context.Context, addr string) {
	c.mu.Lock()
	if _, ok := c.peers[addr]; ok {
		c.mu.Unlock()
		return
	}
	peerCtx, cancel := context.WithCancel(ctx)
	c.peers[addr] = cancel
	c.mu.Unlock()

	go func() {
		if err := c.maintain(peerCtx, addr); err != nil {
			slog.Error("cluster: giving up on peer", "addr", addr, "error", err)
		}
		c.mu.Lock()
		delete(c.peers, addr)
		c.mu.Unlock()
	}()
}

// maintain keeps a connection to addr alive, reconnecting with exponential
// backoff (1s doubling to a 300s cap) whenever it drops. Once backoff has
// already saturated at the cap and a connection attempt still fails, it
// gives up and returns that failure instead of retrying forever (spec
// §4.9 reconnection policy). It returns nil if ctx is cancelled first.
func (c *Cluster) maintain(ctx context.Context, addr string) error {
	backoff := c.initialBackoff

	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := c.connectOnce(ctx, addr); err != nil {
			if backoff >= c.maxBackoff {
				return fmt.Errorf("cluster: giving up on %s after backoff reached %s cap: %w", addr, c.maxBackoff, err)
			}
			slog.Warn("cluster: peer connection failed", "addr", addr, "error", err, "retry_in", backoff)
		} else {
			backoff = c.initialBackoff
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
	}
}

// connectOnce dials addr once, publishes primary to it and mirrors its
// announces into secondary, and blocks until the session ends.
func (c *Cluster) connectOnce(ctx context.Context, addr string) error {
	sess, err := c.dial(ctx, addr)
	if err != nil {
		return err
	}
	defer sess.Close(0, "")

	opts := session.Options{
		Publish:   model.NewOriginConsumer(c.primary),
		Subscribe: model.NewOriginProducer(c.secondary),
		Announce:  wirepath.Root,
	}
	_, ready, err := DialWithToken(ctx, sess, "", c.cfg.Token, opts)
	if err != nil {
		return err
	}
	if err := ready.Wait(ctx); err != nil {
		return err
	}
	slog.Info("cluster: connected to peer", "addr", addr)
	<-ready.Done()
	return ready.Err()
}
