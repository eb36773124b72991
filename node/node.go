// Package node assembles the FuseVault subsystems into a runnable service.
package node

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fusevault/fusevault/apikey"
	"github.com/fusevault/fusevault/auth"
	"github.com/fusevault/fusevault/chain"
	"github.com/fusevault/fusevault/delegation"
	"github.com/fusevault/fusevault/internal/fvapi"
	"github.com/fusevault/fusevault/ipfs"
	"github.com/fusevault/fusevault/pending"
	"github.com/fusevault/fusevault/ratelimit"
	"github.com/fusevault/fusevault/store"
	"github.com/fusevault/fusevault/vault"
)

// Node owns every subsystem and their shutdown order.
type Node struct {
	cfg Config
	log *zap.Logger

	store    *store.Store
	rdb      *redis.Client
	pending  *pending.Coordinator
	content  *ipfs.Client
	chain    *chain.Client
	registry *delegation.Registry
	deleg    *delegation.Service
	sweeper  *delegation.Sweeper
	keys     *apikey.Service
	auth     *auth.Dispatcher
	vault    *vault.Service
	api      *fvapi.API
	http     *httpServer

	startOnce sync.Once
	stopOnce  sync.Once
	stopErr   error
}

// New wires the node from cfg. Remote dependencies (Postgres, Redis, the
// chain RPC) are dialed here; a failure leaves nothing running.
func New(ctx context.Context, cfg Config, log *zap.Logger) (*Node, error) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}

	st, err := store.Open(ctx, cfg.Store, log.Named("store"))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		st.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	coord := pending.NewWithClient(rdb, cfg.Redis.TTL, log.Named("pending"))

	ch, err := chain.Dial(ctx, cfg.Chain, log.Named("chain"))
	if err != nil {
		st.Close()
		rdb.Close()
		return nil, fmt.Errorf("dial chain: %w", err)
	}

	registry, err := delegation.OpenRegistry(cfg.registryPath(), log.Named("delegation"))
	if err != nil {
		st.Close()
		rdb.Close()
		return nil, fmt.Errorf("open delegation registry: %w", err)
	}
	deleg := delegation.NewService(ch, registry, log.Named("delegation"))

	limiter := ratelimit.New(rdb, cfg.APIKeys.RatePerMinute, log.Named("ratelimit"))
	keys := apikey.NewService(cfg.APIKeys, st.Keys, limiter, log.Named("apikey"))
	dispatcher := auth.NewDispatcher(cfg.Auth, keys, log.Named("auth"))

	content := ipfs.New(cfg.IPFS, log.Named("ipfs"))

	svc := vault.NewService(content, ch, st.Assets, st.Tx, coord, deleg, st.Transfers, log.Named("vault"))
	api := fvapi.New(svc, keys, deleg, ch, coord, st.Tx, log.Named("api"))

	n := &Node{
		cfg:      cfg,
		log:      log,
		store:    st,
		rdb:      rdb,
		pending:  coord,
		content:  content,
		chain:    ch,
		registry: registry,
		deleg:    deleg,
		keys:     keys,
		auth:     dispatcher,
		vault:    svc,
		api:      api,
	}
	if cfg.Delegation.SweepInterval > 0 {
		n.sweeper = delegation.NewSweeper(deleg, cfg.Delegation.SweepInterval, cfg.Delegation.SweepBatch, log.Named("delegation"))
	}
	n.http = newHTTPServer(cfg.HTTP, cfg.Metrics, api, dispatcher, n, log.Named("http"))
	return n, nil
}

// API exposes the service facade, mainly for tests and embedding.
func (n *Node) API() *fvapi.API { return n.api }

// Start runs the delegation sweeper and the HTTP listener. It returns once
// the listener is bound. Schema migration already happened in store.Open.
func (n *Node) Start() error {
	var err error
	n.startOnce.Do(func() {
		if n.sweeper != nil {
			n.sweeper.Start()
		}
		if err = n.http.Start(); err != nil {
			if n.sweeper != nil {
				n.sweeper.Stop()
			}
			return
		}
		n.log.Info("node started",
			zap.String("http", n.http.Addr()),
			zap.String("contract", n.chain.ContractAddress().Hex()))
	})
	return err
}

// Stop shuts the subsystems down in reverse dependency order. Safe to call
// more than once.
func (n *Node) Stop() error {
	n.stopOnce.Do(func() {
		if n.http != nil {
			if err := n.http.Stop(n.cfg.HTTP.ShutdownTimeout); err != nil && n.stopErr == nil {
				n.stopErr = err
			}
		}
		if n.sweeper != nil {
			n.sweeper.Stop()
		}
		if err := n.registry.Close(); err != nil && n.stopErr == nil {
			n.stopErr = err
		}
		if err := n.rdb.Close(); err != nil && n.stopErr == nil {
			n.stopErr = err
		}
		if err := n.store.Close(); err != nil && n.stopErr == nil {
			n.stopErr = err
		}
		n.log.Info("node stopped")
	})
	return n.stopErr
}

// Health reports per-dependency reachability for the health endpoint.
type Health struct {
	Store   string `json:"store"`
	Redis   string `json:"redis"`
	Healthy bool   `json:"healthy"`
}

func (n *Node) health(ctx context.Context) Health {
	h := Health{Store: "ok", Redis: "ok", Healthy: true}
	if err := n.store.Ping(ctx); err != nil {
		h.Store = err.Error()
		h.Healthy = false
	}
	if err := n.pending.Ping(ctx); err != nil {
		h.Redis = err.Error()
		h.Healthy = false
	}
	return h
}
