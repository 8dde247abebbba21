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

	"github.com/cardano-escrow/orchestrator/internal/api"
	"github.com/cardano-escrow/orchestrator/internal/chainadapter"
	"github.com/cardano-escrow/orchestrator/internal/config"
	"github.com/cardano-escrow/orchestrator/internal/creditmeter"
	"github.com/cardano-escrow/orchestrator/internal/difffeed"
	"github.com/cardano-escrow/orchestrator/internal/dispatcher"
	"github.com/cardano-escrow/orchestrator/internal/earnings"
	"github.com/cardano-escrow/orchestrator/internal/ierr"
	"github.com/cardano-escrow/orchestrator/internal/orchestrator"
	"github.com/cardano-escrow/orchestrator/internal/reconciler"
	"github.com/cardano-escrow/orchestrator/internal/registry"
	"github.com/cardano-escrow/orchestrator/internal/signer"
	"github.com/cardano-escrow/orchestrator/internal/store"
)

// passthroughAuth is a placeholder Authenticator. API-key storage,
// credit metering, and authentication proper are external collaborators
// (see internal/api/auth.go's package doc); this stands in for them so
// the process can wire a working router without those systems present.
type passthroughAuth struct{}

func (passthroughAuth) Authenticate(_ context.Context, token string) (api.Identity, error) {
	if token == "" {
		return api.Identity{}, ierr.New(ierr.Unauthenticated, "missing token")
	}
	return api.Identity{ID: token}, nil
}

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML config file (ESCROW_DATABASE_URL and ESCROW_HTTP_LISTEN_ADDRESS env vars override its values)")
		showHelp   = flag.Bool("help", false, "Show this help message")
	)
	flag.Parse()

	if *showHelp {
		printHelp()
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbClient, err := store.NewClient(cfg.Database)
	if err != nil {
		log.Fatalf("connect to store: %v", err)
	}
	defer dbClient.Close()

	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := dbClient.MigrateUp(migrateCtx); err != nil {
		migrateCancel()
		log.Fatalf("apply migrations: %v", err)
	}
	migrateCancel()

	repos := store.NewRepositories(dbClient)

	chain := chainadapter.NewMemory()
	meter := creditmeter.NewMemory()

	walletSigner, err := signer.NewLocalEd25519Signer()
	if err != nil {
		log.Fatalf("init signer: %v", err)
	}

	orch := orchestrator.New(dbClient, repos, chain, walletSigner, meter)
	reg := registry.New(dbClient, repos)
	feed := difffeed.New(repos)
	earn := earnings.New(repos)
	recon := reconciler.New(dbClient, repos, chain, cfg.Reconciler)
	dispatch := dispatcher.New(dbClient, repos, chain, cfg.Dispatcher)

	ctx, cancel := context.WithCancel(context.Background())

	recon.Start(ctx)
	dispatch.Start(ctx)

	mux := api.NewRouter(ctx, api.Deps{
		Orchestrator: orch,
		Registry:     reg,
		Repos:        repos,
		Feed:         feed,
		Earnings:     earn,
		Reconciler:   recon,
		Dispatcher:   dispatch,
		Auth:         passthroughAuth{},
	})

	httpServer := &http.Server{
		Addr:         cfg.HTTP.ListenAddress,
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout.Duration(),
		WriteTimeout: cfg.HTTP.WriteTimeout.Duration(),
	}

	go func() {
		log.Printf("escrow orchestrator listening on %s", cfg.HTTP.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Printf("shutting down")

	// Stop the reconciler/dispatcher loops first; each finishes its
	// in-flight batch before Stop returns, then cancel the shared
	// context and drain the HTTP server.
	recon.Stop()
	dispatch.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http server shutdown: %v", err)
	}

	log.Printf("stopped")
}

func printHelp() {
	log.Println("escrow orchestrator")
	log.Println()
	log.Println("Usage:")
	log.Println("  escrowd [OPTIONS]")
	log.Println()
	log.Println("Options:")
	log.Println("  --config=PATH   Path to YAML config file")
	log.Println("  --help          Show this help message")
}
