// Command moq-relay runs a relay node: it serves subscribers from its
// local broadcasts and its cluster peers', accepts publishers, and
// optionally joins a cluster of sibling relays (spec §4.8, §4.9, §6).
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nullstreams/moq/config"
	"github.com/nullstreams/moq/internal/relay"
	"github.com/nullstreams/moq/internal/transport"
	"github.com/nullstreams/moq/internal/transportquic"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	var (
		configFile       = flag.String("config", "", "path to a YAML config file overlaying environment defaults")
		listenAddr       = flag.String("listen", "", "QUIC listen address (overrides MOQ_LISTEN_ADDR)")
		httpAddr         = flag.String("http", "", "health/status HTTP listen address (overrides MOQ_HTTP_ADDR)")
		authKey          = flag.String("auth-key", "", "path to the root auth key file (overrides MOQ_AUTH_KEY)")
		authPublic       = flag.Bool("auth-public", false, "serve every path unauthenticated (ignores auth-key)")
		clusterConnect   = flag.String("cluster-connect", "", "root node address to join as a cluster leaf")
		clusterToken     = flag.String("cluster-token", "", "auth token for connecting to other relays in the cluster")
		clusterAdvertise = flag.String("cluster-advertise", "", "this node's own address, announced to cluster peers")
		clusterPrefix    = flag.String("cluster-prefix", "", "origin-tree path cluster nodes announce themselves under")
		adminUsername    = flag.String("admin-username", "", "operator username for the key-management HTTP surface (overrides MOQ_ADMIN_USERNAME)")
		adminPassword    = flag.String("admin-password", "", "operator password for the key-management HTTP surface (overrides MOQ_ADMIN_PASSWORD)")
	)
	flag.Parse()

	cfg, err := config.LoadRelay(*configFile)
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}
	applyFlagOverrides(cfg, *listenAddr, *httpAddr, *authKey, *clusterConnect, *clusterToken, *clusterAdvertise, *clusterPrefix, *adminUsername, *adminPassword)

	keys, err := buildKeyring(cfg, *authPublic)
	if err != nil {
		slog.Error("loading auth keys", "error", err)
		os.Exit(1)
	}

	admin, err := relay.NewAdminAuth(relay.AdminConfig{Username: cfg.AdminUsername, Password: cfg.AdminPassword})
	if err != nil {
		slog.Error("configuring admin auth", "error", err)
		os.Exit(1)
	}

	tlsConf, err := loadTLS(cfg)
	if err != nil {
		slog.Error("loading TLS credentials", "error", err)
		os.Exit(1)
	}

	dial := func(ctx context.Context, addr string) (transport.Session, error) {
		return transportquic.Dial(ctx, addr, &tls.Config{InsecureSkipVerify: true})
	}

	srv := relay.NewServer(relay.Config{
		ListenAddr: cfg.ListenAddr,
		HTTPAddr:   cfg.HTTPAddr,
		TLS:        tlsConf,
		Keys:       keys,
		Admin:      admin,
		Cluster: relay.ClusterConfig{
			Connect:   cfg.ClusterConnect,
			Token:     cfg.ClusterToken,
			Advertise: cfg.ClusterAdvertise,
			Prefix:    cfg.ClusterPrefix,
		},
	}, dial)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		slog.Info("shutdown signal received")
		cancel()
	}()

	slog.Info("starting moq-relay", "listen", cfg.ListenAddr, "http", cfg.HTTPAddr)
	if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("relay server error", "error", err)
		os.Exit(1)
	}
	slog.Info("relay stopped")
}

func applyFlagOverrides(cfg *config.RelayConfig, listenAddr, httpAddr, authKey, clusterConnect, clusterToken, clusterAdvertise, clusterPrefix, adminUsername, adminPassword string) {
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if httpAddr != "" {
		cfg.HTTPAddr = httpAddr
	}
	if authKey != "" {
		cfg.AuthKeyPath = authKey
	}
	if clusterConnect != "" {
		cfg.ClusterConnect = clusterConnect
	}
	if clusterToken != "" {
		cfg.ClusterToken = clusterToken
	}
	if clusterAdvertise != "" {
		cfg.ClusterAdvertise = clusterAdvertise
	}
	if clusterPrefix != "" {
		cfg.ClusterPrefix = clusterPrefix
	}
	if adminUsername != "" {
		cfg.AdminUsername = adminUsername
	}
	if adminPassword != "" {
		cfg.AdminPassword = adminPassword
	}
}

func buildKeyring(cfg *config.RelayConfig, authPublic bool) (*relay.Keyring, error) {
	if authPublic {
		return relay.NewOpenKeyring(), nil
	}
	if cfg.AuthKeyPath == "" {
		slog.Warn("no auth key configured; every connection will be rejected (pass -auth-key or -auth-public)")
		return relay.NewKeyring(nil), nil
	}
	key, err := relay.LoadKeyFile(cfg.AuthKeyPath)
	if err != nil {
		return nil, err
	}
	return relay.NewKeyring(key), nil
}

func loadTLS(cfg *config.RelayConfig) (*tls.Config, error) {
	if cfg.TLSCert == "" || cfg.TLSKey == "" {
		slog.Warn("no TLS certificate configured; generating a throwaway self-signed one for local testing")
		return transportquic.SelfSignedConfig()
	}
	cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}
