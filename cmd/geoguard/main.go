package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/geoguard/internal/config"
	"github.com/sawpanic/geoguard/internal/httpapi"
	"github.com/sawpanic/geoguard/internal/integrity"
	"github.com/sawpanic/geoguard/internal/kinematics"
	"github.com/sawpanic/geoguard/internal/persistence/postgres"
	"github.com/sawpanic/geoguard/internal/spatial"
	"github.com/sawpanic/geoguard/internal/store"
	"github.com/sawpanic/geoguard/internal/validation"
	"github.com/sawpanic/geoguard/internal/zones"
)

const (
	appName = "geoguard"
	version = "v1.2.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	var configPath string

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Safety and integrity location validation service",
		Version: version,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the validation service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}

	var serviceAddr string
	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Query a running service's health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printEndpoint(serviceAddr + "/health")
		},
	}
	var statsWindow int
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Query a running service's validation stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printEndpoint(fmt.Sprintf("%s/stats?window=%d", serviceAddr, statsWindow))
		},
	}
	for _, cmd := range []*cobra.Command{healthCmd, statsCmd} {
		cmd.Flags().StringVar(&serviceAddr, "addr", "http://localhost:8080", "service base URL")
	}
	statsCmd.Flags().IntVar(&statsWindow, "window", 60, "trailing window in minutes")

	rootCmd.AddCommand(serveCmd, healthCmd, statsCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := sqlx.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(32)
	db.SetMaxIdleConns(8)

	redisClient := store.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	defer redisClient.Close()
	redisStore := store.New(redisClient, cfg.Redis.Timeout, cfg.Redis.Prefix)

	zoneRepo := postgres.NewZoneRepo(db, cfg.Postgres.Timeout)
	cellRepo := postgres.NewCellCacheRepo(db, cfg.Postgres.Timeout)
	scoreRepo := postgres.NewScoreRepo(db, cfg.Postgres.Timeout)
	auditRepo := postgres.NewAuditRepo(db, 2*time.Second)

	spatialCache := spatial.New(redisStore, cellRepo, zoneRepo, cfg.Cache)
	historyStore := store.NewHistoryStore(redisStore, int64(cfg.History.Cap), cfg.History.TTL)
	lockoutStore := store.NewLockoutStore(redisStore)
	fastScores := store.NewScoreStore(redisStore, 7*24*time.Hour)

	zoneValidator := zones.NewValidator(spatialCache, zoneRepo)
	speedValidator := kinematics.NewValidator(historyStore, lockoutStore, cfg.Speed)
	scorer := integrity.NewScorer(historyStore, fastScores, scoreRepo, cfg.Integrity)

	orchestrator := validation.New(
		zoneValidator, speedValidator, scorer,
		auditRepo, spatialCache, redisStore, db,
	)

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      httpapi.NewServer(orchestrator, cfg.RateLimit.RPS, cfg.RateLimit.Burst).Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Str("version", version).Msg("validation service listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(ctx)
}

func printEndpoint(url string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("request %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var pretty map[string]interface{}
	if err := json.Unmarshal(body, &pretty); err != nil {
		fmt.Println(string(body))
		return nil
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(out))
	return nil
}
