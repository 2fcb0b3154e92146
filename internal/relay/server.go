package relay

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/nullstreams/moq/internal/model"
	"github.com/nullstreams/moq/internal/session"
	"github.com/nullstreams/moq/internal/transportquic"
	"github.com/nullstreams/moq/internal/wirepath"
)

// Config configures one relay node (spec §4.8, §4.9, §6).
type Config struct {
	// ListenAddr is the QUIC listen address for moq sessions.
	ListenAddr string
	// HTTPAddr is the listen address for the health/status surface.
	HTTPAddr string
	TLS      *tls.Config
	Keys     *Keyring
	Cluster  ClusterConfig
	// Admin, if non-nil, mounts the key-management HTTP surface (spec §6
	// relay operator tooling) behind it. Nil disables that surface
	// entirely — the relay still serves moq sessions and health/status.
	Admin *AdminAuth
}

// Server is one relay node: a QUIC accept loop authorizing and scoping
// each connection per spec §4.8, a combined origin view synchronized from
// its primary (local) and secondary (cluster) origins, and a small HTTP
// surface for health and status.
type Server struct {
	cfg Config

	primary   *model.Origin
	secondary *model.Origin
	combined  *model.Origin

	cluster *Cluster
	quicLn  *transportquic.Listener
}

// NewServer builds a relay node. dial is used by the cluster controller to
// open outbound peer connections; pass nil if cfg.Cluster.Connect is empty
// and this node never mesh-discovers peers either.
func NewServer(cfg Config, dial Dialer) *Server {
	primary := model.NewOrigin()
	secondary := model.NewOrigin()
	combined := model.NewOrigin()

	return &Server{
		cfg:       cfg,
		primary:   primary,
		secondary: secondary,
		combined:  combined,
		cluster:   NewCluster(cfg.Cluster, dial, primary, secondary),
	}
}

func securityHeaders(c *gin.Context) {
	c.Header("X-Content-Type-Options", "nosniff")
	c.Header("X-Frame-Options", "DENY")
	c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
	c.Next()
}

func (s *Server) httpHandler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), securityHeaders)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"primary":   len(s.primary.Snapshot(wirepath.Root)),
			"secondary": len(s.secondary.Snapshot(wirepath.Root)),
		})
	})

	// /connect is a preflight check mirroring the real bootstrap's
	// path+?jwt= extraction (spec §4.8 step 1): it runs the same
	// Keyring.Authorize the QUIC accept loop runs, so a client (or an
	// operator with curl) can confirm a token is valid and see its
	// reduced scope before paying for a QUIC handshake. The QUIC stream
	// preamble carries path+token directly and is the authoritative
	// check; this endpoint exists because this module dials raw QUIC
	// rather than WebTransport, so there's no single connection a URL's
	// query parameters naturally travel alongside.
	r.GET("/connect", func(c *gin.Context) {
		reduced, err := s.cfg.Keys.Authorize(c.Query("path"), c.Query("jwt"))
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"status": "error", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"root":      reduced.Root.String(),
			"publish":   !reduced.Publish.Denied,
			"subscribe": !reduced.Subscribe.Denied,
			"cluster":   reduced.Cluster,
		})
	})

	if s.cfg.Admin != nil {
		s.mountAdminRoutes(r)
	}
	return r
}

// mountAdminRoutes wires the operator-only key-management surface: a login
// endpoint issuing a short-lived admin session token, and a key-issuance
// endpoint gated behind it (spec §6 relay operator tooling). The issued
// key's base64url(JSON) form is returned for the operator to save as a
// file and register with -auth-key; the relay never persists
// it anywhere itself.
func (s *Server) mountAdminRoutes(r *gin.Engine) {
	r.POST("/admin/login", func(c *gin.Context) {
		var body struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := c.BindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "invalid request body"})
			return
		}
		token, err := s.cfg.Admin.Authenticate(body.Username, body.Password, c.ClientIP())
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"status": "error", "error": "invalid credentials"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "token": token})
	})

	admin := r.Group("/admin")
	admin.Use(s.cfg.Admin.Middleware)
	admin.POST("/keys", func(c *gin.Context) {
		var body struct {
			Algorithm Algorithm `json:"alg"`
			KID       string    `json:"kid"`
		}
		if err := c.BindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "invalid request body"})
			return
		}
		if body.Algorithm == "" {
			body.Algorithm = HS256
		}
		key, err := GenerateKey(body.Algorithm, body.KID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": err.Error()})
			return
		}
		encoded, err := key.MarshalJSON()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": "encoding key"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "key": string(encoded)})
	})
}

// Run starts the HTTP surface, the QUIC accept loop, the cluster
// controller, and the goroutines that keep the combined origin
// synchronized, blocking until ctx is cancelled or a component fails.
func (s *Server) Run(ctx context.Context) error {
	ln, err := transportquic.Listen(s.cfg.ListenAddr, s.cfg.TLS)
	if err != nil {
		return fmt.Errorf("relay: starting quic listener: %w", err)
	}
	s.quicLn = ln
	defer ln.Close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return mirrorInto(gctx, model.NewOriginConsumer(s.primary), s.combined) })
	g.Go(func() error { return mirrorInto(gctx, model.NewOriginConsumer(s.secondary), s.combined) })
	g.Go(func() error { return s.cluster.Run(gctx) })
	g.Go(func() error { return s.serveHTTP(gctx) })
	g.Go(func() error { return s.acceptLoop(gctx) })

	return g.Wait()
}

func (s *Server) serveHTTP(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.HTTPAddr,
		Handler:      s.httpHandler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errc:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		sess, err := s.quicLn.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleConnection(ctx, sess)
	}
}

// handleConnection authorizes the incoming session's connect request and
// builds its scoped session.Options per spec §4.8 step 4: the relay
// publishes what the client is allowed to receive and subscribes to what
// the client is allowed to send.
func (s *Server) handleConnection(ctx context.Context, sess *transportquic.Session) {
	cs, reduced, err := AcceptWithToken(ctx, sess, s.cfg.Keys)
	if err != nil {
		slog.Warn("relay: rejecting connection", "error", err)
		sess.Close(uint64(0), "unauthorized")
		return
	}

	opts, err := s.optionsFor(reduced)
	if err != nil {
		slog.Warn("relay: building session options", "error", err)
		sess.Close(uint64(0), "unauthorized")
		return
	}

	_, ready, err := session.AcceptOnStream(ctx, sess, cs, opts)
	if err != nil {
		slog.Warn("relay: session handshake failed", "error", err)
		return
	}
	<-ready.Done()
	if err := ready.Err(); err != nil {
		slog.Info("relay: session ended", "error", err)
	}
}

// optionsFor turns a reduced token scope into the session.Options serving
// that client: Subscribe absorbs whatever the client is allowed to publish
// into the relay's primary (local) origin, or into secondary for a cluster
// peer, so a peer's broadcasts are never served on to other peers; Publish
// serves the client
// whatever it's allowed to read out of the combined (primary+secondary)
// view, or out of primary alone for a cluster peer (spec §4.9: a peer only
// ever needs this node's own broadcasts, never a third node's relayed via
// here).
func (s *Server) optionsFor(reduced *Reduced) (session.Options, error) {
	var opts session.Options

	if !reduced.Publish.Denied {
		writeTo := s.primary
		if reduced.Cluster {
			writeTo = s.secondary
		}
		sub, err := model.NewOriginProducer(writeTo).WithRoot(reduced.Root.String())
		if err != nil {
			return opts, err
		}
		if len(reduced.Publish.Prefixes) > 0 {
			sub = sub.PublishOnly(reduced.Publish.Prefixes...)
		}
		opts.Subscribe = sub
		opts.Announce = wirepath.Root
	}

	if !reduced.Subscribe.Denied {
		readFrom := s.combined
		if reduced.Cluster {
			readFrom = s.primary
		}
		pub, err := model.NewOriginConsumer(readFrom).WithRoot(reduced.Root.String())
		if err != nil {
			return opts, err
		}
		if len(reduced.Subscribe.Prefixes) > 0 {
			pub = pub.ConsumeOnly(reduced.Subscribe.Prefixes...)
		}
		opts.Publish = pub
	}

	return opts, nil
}
