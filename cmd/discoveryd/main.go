// discoveryd is the marketplace discovery service: intents, offers,
// provider registry, matching, and paid fulfillment over HTTP.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"intentcast/internal/auth"
	"intentcast/internal/config"
	"intentcast/internal/httpapi"
	"intentcast/internal/ledger"
	"intentcast/internal/lifecycle"
	"intentcast/internal/logging"
	"intentcast/internal/matching"
	"intentcast/internal/settlement"
	"intentcast/internal/storage"
	"intentcast/internal/x402"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML config (defaults apply when empty)")
		listenAddr = flag.String("listen", "", "Override HTTP listen address")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		cfg = loaded
	}
	if *listenAddr != "" {
		cfg.HTTP.ListenAddr = *listenAddr
	}

	logging.Init(cfg.Log.Level)
	logger := logging.Named("discoveryd")

	store, err := buildStore(cfg)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer store.Close()

	var (
		stakes   lifecycle.StakeVerifier
		payments lifecycle.PaymentExecutor
		balances httpapi.BalanceReader
		payer    x402.Payer
	)
	if cfg.Ledger.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		client, err := ledger.New(ctx, ledger.Config{
			RPCURL:         cfg.Ledger.RPCURL,
			TokenAddress:   cfg.Ledger.TokenAddress,
			ChainID:        cfg.Ledger.ChainID,
			Decimals:       cfg.Ledger.Decimals,
			ServiceKey:     cfg.Payments.ServiceKey,
			ConfirmTimeout: cfg.Ledger.ConfirmTimeout,
			PollInterval:   cfg.Ledger.PollInterval,
			CacheTTL:       cfg.Ledger.CacheTTL,
			CacheSize:      cfg.Ledger.CacheSize,
		}, logging.Named("ledger"))
		cancel()
		if err != nil {
			log.Fatalf("connect ledger: %v", err)
		}
		stakes = client
		payments = client
		balances = client
		payer = &x402.LedgerPayer{
			Ledger:   client,
			Wallet:   cfg.Payments.ServiceWallet,
			Key:      cfg.Payments.ServiceKey,
			Decimals: cfg.Ledger.Decimals,
		}
	} else if cfg.Payments.ServiceKey != "" {
		payer = &x402.StaticPayer{
			Wallet: cfg.Payments.ServiceWallet,
			Key:    cfg.Payments.ServiceKey,
		}
	}

	authn := auth.New(cfg.Auth.Prefix, auth.NewMemoryNonces())
	lc := lifecycle.NewService(store, stakes, payments, logging.Named("lifecycle"))
	engine := matching.NewEngine(store, logging.Named("matching"))
	payClient := x402.NewClient(nil, payer, logging.Named("x402"))
	payClient.Network = cfg.Payments.Network
	settle := settlement.NewService(store, payClient, logging.Named("settlement"))

	api := httpapi.NewServer(lc, engine, settle, store, balances, authn, logging.Named("http"))

	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Infof("metrics listening on %s", cfg.Metrics.ListenAddr)
			if err := http.ListenAndServe(cfg.Metrics.ListenAddr, mux); err != nil {
				logger.Errorf("metrics server: %v", err)
			}
		}()
	}

	stopSweep := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cfg.Expiry.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopSweep:
				return
			case now := <-ticker.C:
				if _, err := lc.ExpireDue(now); err != nil {
					logger.Warnf("expiry sweep: %v", err)
				}
			}
		}
	}()

	srv := &http.Server{
		Addr:         cfg.HTTP.ListenAddr,
		Handler:      api.Handler(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go func() {
		logger.Infof("listening on %s (store=%s ledger=%t)", cfg.HTTP.ListenAddr, cfg.Store.Backend, cfg.Ledger.Enabled)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	close(stopSweep)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("shutdown: %v", err)
	}
}

func buildStore(cfg *config.AppConfig) (storage.Store, error) {
	if cfg.Store.Backend == "leveldb" {
		return storage.NewLevelDB(cfg.Store.LevelDBPath)
	}
	return storage.NewMemory(), nil
}
