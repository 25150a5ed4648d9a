// setup.go
package quantum_market_client

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quantumauth-io/quantum-go-utils/log"

	"github.com/quantumauth-io/quantum-market-client/cmd/quantum-market-client/config"
	"github.com/quantumauth-io/quantum-market-client/internal/quantum-market-client/assets"
	"github.com/quantumauth-io/quantum-market-client/internal/quantum-market-client/chains"
	"github.com/quantumauth-io/quantum-market-client/internal/quantum-market-client/connector"
	"github.com/quantumauth-io/quantum-market-client/internal/quantum-market-client/constants"
	clienthttp "github.com/quantumauth-io/quantum-market-client/internal/quantum-market-client/http"
	"github.com/quantumauth-io/quantum-market-client/internal/quantum-market-client/metrics"
	"github.com/quantumauth-io/quantum-market-client/internal/quantum-market-client/networks"
	"github.com/quantumauth-io/quantum-market-client/internal/quantum-market-client/web3"
)

type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

func Run(ctx context.Context, build BuildInfo) error {
	log.Info("quantum-market-client",
		"version", build.Version,
		"commit", build.Commit,
		"build_date", build.BuildDate,
	)

	// ---- Config
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// ---- Network metadata
	networksManager, err := networks.NewManager()
	if err != nil {
		return err
	}
	if err := networksManager.EnsureFromConfig(ctx, cfg.NetworksMetadata); err != nil {
		return err
	}

	// ---- Chains
	chainService, err := chains.NewService(cfg.AllChains())
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := chainService.Close(); closeErr != nil {
			log.Error("chain clients close failed", "error", closeErr)
		}
	}()

	// ---- Balances
	tokens, err := assets.NewTokenBalancer(cfg.Tokens)
	if err != nil {
		return err
	}

	// ---- Session
	session, err := web3.NewManager(web3.Config{
		Metadata:     networksManager,
		Balances:     &assets.Fetcher{Tokens: tokens, Nodes: chainService},
		Chains:       chainService,
		PollInterval: cfg.PollInterval(),
		RPCTimeout:   constants.RPCTimeout,
	})
	if err != nil {
		return err
	}
	defer session.Close()

	// ---- Metrics
	registry := prometheus.NewRegistry()
	sessionMetrics, err := metrics.NewSessionCollector(registry)
	if err != nil {
		return err
	}
	snaps, unsubscribe := session.Subscribe()
	defer unsubscribe()
	go sessionMetrics.Run(ctx, snaps)

	// ---- Connector
	modal, err := newConnector(ctx, cfg)
	if err != nil {
		return err
	}
	session.SetConnector(modal)

	// ---- HTTP
	handler := clienthttp.NewHandler(session, networksManager, chainService, cfg.ClientSettings.AllowedOrigins)
	handler.Metrics = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	handler.Providers = modal
	listenAddr := net.JoinHostPort(cfg.ClientSettings.LocalHost, cfg.ClientSettings.Port)
	httpServer := &http.Server{Addr: listenAddr, Handler: clienthttp.NewRouter(handler)}

	go func() {
		log.Info("HTTP server listening", "addr", listenAddr)
		if serveErr := httpServer.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			log.Error("HTTP server error", "error", serveErr)
		}
	}()

	// ---- graceful shutdown
	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Error("QM Client shutdown failed", "error", shutdownErr)
	} else {
		log.Info("QM Client gracefully stopped")
	}

	return nil
}

func newConnector(ctx context.Context, cfg *config.Config) (*connector.Modal, error) {
	var approver connector.Approver = connector.NewTerminalApprover()
	if cfg.Wallet.AutoApprove != "" {
		approver = connector.AutoApprover{ID: cfg.Wallet.AutoApprove}
	}

	var markers *connector.MarkerStore
	if cfg.Wallet.CacheProvider {
		m, err := connector.NewMarkerStore()
		if err != nil {
			return nil, err
		}
		markers = m
	}

	return connector.Initialize(ctx, connector.Options{
		Providers:     cfg.Wallet.Providers,
		CacheProvider: cfg.Wallet.CacheProvider,
		Approver:      approver,
		Markers:       markers,
		Dial:          connector.DialRPC(constants.ProviderWatchInterval),
	})
}
