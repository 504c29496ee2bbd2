// cro-core is the CRO Analysis Core server: GA4 ingestion, qualitative
// survey ingestion with embeddings, and agentic LLM-driven CRO report
// synthesis, exposed over HTTP.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"golang.org/x/oauth2"

	"github.com/croanalysis/core/pkg/columnar"
	"github.com/croanalysis/core/pkg/config"
	"github.com/croanalysis/core/pkg/embedmodel"
	"github.com/croanalysis/core/pkg/embedworker"
	"github.com/croanalysis/core/pkg/feedback"
	"github.com/croanalysis/core/pkg/httpapi"
	"github.com/croanalysis/core/pkg/llmclient"
	"github.com/croanalysis/core/pkg/query"
	"github.com/croanalysis/core/pkg/reportcache"
	"github.com/croanalysis/core/pkg/sync"
	"github.com/croanalysis/core/pkg/tokenstore"
	"github.com/croanalysis/core/pkg/txstore"
)

// googleOAuthEndpoint is golang.org/x/oauth2's standard Google endpoint,
// written out directly rather than importing golang.org/x/oauth2/google
// for two well-known constant URLs.
var googleOAuthEndpoint = oauth2.Endpoint{
	AuthURL:  "https://accounts.google.com/o/oauth2/auth",
	TokenURL: "https://oauth2.googleapis.com/token",
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("Warning: could not load %s: %v", envPath, err)
		log.Printf("Continuing with existing environment variables...")
	} else {
		log.Printf("Loaded environment from %s", envPath)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting cro-core")
	log.Printf("HTTP Port: %s", cfg.HTTPPort)
	log.Printf("Columnar base path: %s", cfg.ColumnarBasePath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	txClient, err := txstore.NewClient(ctx, txstore.DefaultConfig(cfg.DatabaseURL))
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() {
		if err := txClient.Close(); err != nil {
			log.Printf("Error closing database client: %v", err)
		}
	}()
	log.Println("Connected to PostgreSQL database")

	sqlxDB := sqlx.NewDb(txClient.DB(), "pgx")
	tokens := tokenstore.New(sqlxDB, &oauth2.Config{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		Endpoint:     googleOAuthEndpoint,
		Scopes:       []string{"https://www.googleapis.com/auth/analytics.readonly"},
	})

	stores := columnar.NewStoreRegistry()
	defer func() {
		if err := stores.CloseAll(); err != nil {
			log.Printf("Error closing columnar stores: %v", err)
		}
	}()

	model := embedmodel.Get()

	worker := embedworker.New(txClient.Surveys, model, embedworker.Config{
		PollInterval: cfg.EmbeddingPollInterval,
		BatchSize:    cfg.EmbeddingBatchSize,
		BatchTimeout: cfg.EmbeddingBatchTimeout,
	})
	worker.Start(ctx)
	defer worker.Stop()
	log.Println("Embedding worker started")

	coord := sync.New(txClient.Connectors, stores)
	queryLayer := query.New(stores, txClient.Surveys, model)

	llm := llmclient.New(cfg.AnthropicAPIKey, anthropic.Model(cfg.LLMModelID))

	feedbackSvc := feedback.New(txClient.Surveys, txClient.Feedback, llm, feedback.Config{
		Model: cfg.LLMModelID,
	})
	reports := reportcache.New(txClient.Reports, cfg.LLMModelID)

	log.Println("Services wired")

	server := httpapi.NewServer(httpapi.Deps{
		TxClient:          txClient,
		Tokens:            tokens,
		Coordinator:       coord,
		QueryLayer:        queryLayer,
		Feedback:          feedbackSvc,
		Reports:           reports,
		Stores:            stores,
		LLM:               llm,
		ModelID:           cfg.LLMModelID,
		ColumnarBasePath:  cfg.ColumnarBasePath,
		AgentMaxTurns:     cfg.AgentMaxTurns,
		AgentTurnTimeout:  cfg.AgentTurnTimeout,
		AgentTotalTimeout: cfg.AgentTotalTimeout,
	})

	ln, err := net.Listen("tcp", ":"+cfg.HTTPPort)
	if err != nil {
		log.Fatalf("Failed to bind :%s: %v", cfg.HTTPPort, err)
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("HTTP server listening on :%s", cfg.HTTPPort)
		if err := server.StartWithListener(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Println("Shutdown signal received")
	case err := <-errCh:
		log.Printf("HTTP server error: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error during graceful shutdown: %v", err)
	}
	log.Println("Shutdown complete")
}
