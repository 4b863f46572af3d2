// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/bureau-foundation/roomserver/lib/adminapi"
	"github.com/bureau-foundation/roomserver/lib/clock"
	"github.com/bureau-foundation/roomserver/lib/config"
	"github.com/bureau-foundation/roomserver/lib/eventstore"
	"github.com/bureau-foundation/roomserver/lib/federation"
	"github.com/bureau-foundation/roomserver/lib/keyring"
	"github.com/bureau-foundation/roomserver/lib/metrics"
	"github.com/bureau-foundation/roomserver/lib/pdu"
	"github.com/bureau-foundation/roomserver/lib/ref"
	"github.com/bureau-foundation/roomserver/lib/roomgraph"
	"github.com/bureau-foundation/roomserver/lib/roomversion"
	"github.com/bureau-foundation/roomserver/lib/secret"
	"github.com/bureau-foundation/roomserver/lib/service"
	"github.com/bureau-foundation/roomserver/lib/signingkey"
	"github.com/bureau-foundation/roomserver/lib/stateres"
	"github.com/bureau-foundation/roomserver/lib/version"
)

// node is one running roomserver: every component built from the
// configuration, and the handlers of its three listeners.
type node struct {
	config *config.Config
	logger *slog.Logger

	key     *signingkey.Key
	keys    *keyring.Ring
	store   *eventstore.Store
	metrics *metrics.Metrics
	manager *roomgraph.Manager
	sender  *federation.Sender
	admin   *adminapi.Service

	federationHandler http.Handler
	adminHandler      http.Handler
}

// newNode builds a node from a validated configuration. On error
// everything opened so far is closed again.
func newNode(cfg *config.Config, clk clock.Clock, logger *slog.Logger) (_ *node, err error) {
	serverName, err := ref.ParseServerName(cfg.ServerName)
	if err != nil {
		return nil, fmt.Errorf("server_name: %w", err)
	}
	n := &node{config: cfg, logger: logger}
	defer func() {
		if err != nil {
			n.Close()
		}
	}()

	n.key, err = loadSigningKey(cfg, serverName, logger)
	if err != nil {
		return nil, err
	}

	destinations := make(map[ref.ServerName]string, len(cfg.Federation.Destinations))
	for name, base := range cfg.Federation.Destinations {
		server, err := ref.ParseServerName(name)
		if err != nil {
			return nil, fmt.Errorf("federation.destinations: %w", err)
		}
		destinations[server] = base
	}
	client, err := federation.NewClient(federation.ClientConfig{
		Signer:         n.key,
		Destinations:   destinations,
		RequestTimeout: cfg.Federation.RequestTimeout,
		UserAgent:      version.UserAgent("roomserver"),
		Logger:         logger.With("component", "federation-client"),
	})
	if err != nil {
		return nil, err
	}

	pinned, err := parsePinnedKeys(cfg.Keys.Pinned)
	if err != nil {
		return nil, err
	}
	n.keys, err = keyring.New(keyring.Config{
		Local:              n.key,
		Pinned:             pinned,
		Fetcher:            client,
		MinRefetchInterval: cfg.Keys.RefetchInterval,
		Clock:              clk,
		Logger:             logger.With("component", "keyring"),
	})
	if err != nil {
		return nil, err
	}

	n.store, err = eventstore.Open(eventstore.Config{
		Path:              cfg.Paths.Database,
		PoolSize:          cfg.Storage.PoolSize,
		Durable:           cfg.Storage.Durable,
		SnapshotCacheSize: cfg.Storage.SnapshotCacheSize,
		Clock:             clk,
		Logger:            logger.With("component", "eventstore"),
	})
	if err != nil {
		return nil, err
	}

	n.metrics = metrics.New()

	resolver, err := stateres.NewResolver(stateres.ResolverConfig{
		CacheSize: cfg.Admission.ResolutionCacheSize,
		Store:     n.store,
		Observer:  n.metrics,
		Clock:     clk,
		Logger:    logger.With("component", "stateres"),
	})
	if err != nil {
		return nil, err
	}

	n.manager, err = roomgraph.New(roomgraph.Config{
		ServerName:     serverName,
		Signer:         n.key,
		Store:          n.store,
		Resolver:       resolver,
		Fetcher:        federation.NewRemoteFetcher(client, n.keys),
		FetchDepth:     cfg.Admission.FetchDepth,
		FetchTimeout:   cfg.Admission.FetchTimeout,
		PendingBudget:  cfg.Admission.PendingBudget,
		PendingTimeout: cfg.Admission.PendingTimeout,
		Trust:          trustPolicy(cfg.Admission),
		Observer:       n.metrics,
		Clock:          clk,
		Logger:         logger.With("component", "roomgraph"),
	})
	if err != nil {
		return nil, err
	}

	receiver, err := federation.NewReceiver(federation.ReceiverConfig{
		Rooms:        n.manager,
		Verifier:     n.keys,
		InboundRate:  rate.Limit(cfg.Federation.InboundRate),
		InboundBurst: cfg.Federation.InboundBurst,
		Observer:     n.metrics,
		Logger:       logger.With("component", "federation-receiver"),
	})
	if err != nil {
		return nil, err
	}
	federationServer, err := federation.NewServer(federation.ServerConfig{
		ServerName:         serverName,
		Rooms:              n.manager,
		Receiver:           receiver,
		Keys:               n.keys,
		MaxTransactionSize: cfg.Federation.MaxTransactionBytes,
		Clock:              clk,
		Logger:             logger.With("component", "federation-server"),
	})
	if err != nil {
		return nil, err
	}
	n.federationHandler = federationServer.Handler()

	n.sender, err = federation.NewSender(federation.SenderConfig{
		Origin:          serverName,
		Client:          client,
		TransactionSize: cfg.Federation.TransactionSize,
		InitialBackoff:  cfg.Federation.InitialBackoff,
		MaxBackoff:      cfg.Federation.MaxBackoff,
		MaxAttempts:     cfg.Federation.MaxAttempts,
		RetryHorizon:    cfg.Federation.RetryHorizon,
		Observer:        n.metrics,
		Clock:           clk,
		Logger:          logger.With("component", "federation-sender"),
	})
	if err != nil {
		return nil, err
	}
	n.metrics.WatchDegradedOrigins(n.manager)
	n.metrics.WatchSender(n.sender)

	n.admin, err = adminapi.NewService(adminapi.Config{
		Manager:        n.manager,
		Store:          n.store,
		Sender:         n.sender,
		Puller:         federation.NewPuller(client, n.manager, n.keys, logger.With("component", "federation-puller")),
		DefaultVersion: roomversion.ID(cfg.Room.DefaultVersion),
		Logger:         logger.With("component", "admin"),
	})
	if err != nil {
		return nil, err
	}
	adminConfig := adminapi.ServerConfig{
		Query:  n.admin,
		Logger: logger.With("component", "admin"),
	}
	if cfg.Listen.AdminActions {
		adminConfig.Actions = n.admin
	}
	adminServer, err := adminapi.NewServer(adminConfig)
	if err != nil {
		return nil, err
	}
	n.adminHandler = adminServer.Handler()

	return n, nil
}

// loadSigningKey loads or creates the server's signing key. A sealed
// key file is opened with the age identity at
// paths.signing_key_identity.
func loadSigningKey(cfg *config.Config, serverName ref.ServerName, logger *slog.Logger) (*signingkey.Key, error) {
	var identity *secret.Buffer
	if cfg.Paths.SigningKeyIdentity != "" {
		var err error
		identity, err = secret.ReadFile(cfg.Paths.SigningKeyIdentity)
		if err != nil {
			return nil, fmt.Errorf("reading signing key identity: %w", err)
		}
		defer identity.Close()
	}
	key, generated, err := signingkey.LoadOrGenerate(cfg.Paths.SigningKey, serverName, cfg.Keys.Version, identity, cfg.Keys.SealRecipients)
	if err != nil {
		return nil, err
	}
	if generated {
		logger.Info("generated signing key",
			"path", cfg.Paths.SigningKey,
			"key_id", key.KeyID(),
			"sealed", len(cfg.Keys.SealRecipients) > 0,
		)
	}
	return key, nil
}

// parsePinnedKeys converts keys.pinned (server name to key ID to
// unpadded base64 public key) into key ring pins.
func parsePinnedKeys(pinned map[string]map[string]string) ([]keyring.ServerKeys, error) {
	var result []keyring.ServerKeys
	for name, keys := range pinned {
		server, err := ref.ParseServerName(name)
		if err != nil {
			return nil, fmt.Errorf("keys.pinned: %w", err)
		}
		serverKeys := keyring.ServerKeys{
			Server:     server,
			VerifyKeys: make(map[ref.KeyID]ed25519.PublicKey, len(keys)),
		}
		for rawKeyID, encoded := range keys {
			keyID, err := ref.ParseKeyID(rawKeyID)
			if err != nil {
				return nil, fmt.Errorf("keys.pinned.%s: %w", name, err)
			}
			public, err := pdu.DecodeBase64(encoded)
			if err != nil {
				return nil, fmt.Errorf("keys.pinned.%s.%s: %w", name, rawKeyID, err)
			}
			if len(public) != ed25519.PublicKeySize {
				return nil, fmt.Errorf("keys.pinned.%s.%s: public key is %d bytes, want %d", name, rawKeyID, len(public), ed25519.PublicKeySize)
			}
			serverKeys.VerifyKeys[keyID] = ed25519.PublicKey(public)
		}
		result = append(result, serverKeys)
	}
	return result, nil
}

// trustPolicy maps the admission section onto the room graph's origin
// degradation policy. A zero threshold disables degradation.
func trustPolicy(admission config.AdmissionConfig) roomgraph.TrustPolicy {
	if admission.DegradedThreshold == 0 {
		return roomgraph.TrustPolicy{Threshold: -1}
	}
	return roomgraph.TrustPolicy{
		Threshold: admission.DegradedThreshold,
		Window:    admission.DegradedWindow,
		Duration:  admission.DegradedDuration,
	}
}

// listeners returns the HTTP servers of every configured address.
func (n *node) listeners() *service.Group {
	group := &service.Group{}
	group.Add(service.NewHTTPServer(service.HTTPServerConfig{
		Name:    "federation",
		Address: n.config.Listen.Federation,
		Handler: n.federationHandler,
		Logger:  n.logger,
	}))
	if n.config.Listen.Admin != "" {
		group.Add(service.NewHTTPServer(service.HTTPServerConfig{
			Name:    "admin",
			Address: n.config.Listen.Admin,
			Handler: n.adminHandler,
			Logger:  n.logger,
		}))
	}
	if n.config.Listen.Metrics != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", n.metrics.Handler())
		group.Add(service.NewHTTPServer(service.HTTPServerConfig{
			Name:    "metrics",
			Address: n.config.Listen.Metrics,
			Handler: mux,
			Logger:  n.logger,
		}))
	}
	return group
}

// Serve runs the listeners until ctx is cancelled or one of them
// fails.
func (n *node) Serve(ctx context.Context) error {
	err := n.listeners().Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Close stops outbound delivery and admission, then closes the store
// and releases the signing key. It is safe on a partly built node.
func (n *node) Close() {
	if n.sender != nil {
		n.sender.Close()
	}
	if n.manager != nil {
		n.manager.Close()
	}
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			n.logger.Error("closing event store", "error", err)
		}
	}
	if n.key != nil {
		n.key.Close()
	}
}
