package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"studymap/api/internal/app"
	"studymap/api/internal/config"
	"studymap/api/internal/crdt"
	"studymap/api/internal/member"
	"studymap/api/internal/room"
	"studymap/api/internal/store"
	syncserver "studymap/api/internal/sync"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}

	graphStore := store.New(db, logger)

	var members member.Checker = member.Func(graphStore.IsSiteMember)
	if strings.TrimSpace(cfg.RedisURL) != "" && cfg.MembershipCacheTTL > 0 {
		cache, err := member.NewRedisCache(cfg.RedisURL, members, cfg.MembershipCacheTTL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer cache.Close()
		members = cache
		logger.Info().Dur("ttl", cfg.MembershipCacheTTL).Msg("membership cache enabled")
	}

	persist := func(ctx context.Context, roomID string, snapshot crdt.Snapshot) error {
		stats, err := graphStore.SaveGraph(ctx, roomID, snapshot)
		if err != nil {
			return err
		}
		syncserver.SnapshotsPersisted.Inc()
		logger.Info().
			Str("study_design", roomID).
			Int("nodes_created", stats.NodesCreated).
			Int("nodes_updated", stats.NodesUpdated).
			Int("nodes_deleted", stats.NodesDeleted).
			Int("edges_created", stats.EdgesCreated).
			Int("edges_updated", stats.EdgesUpdated).
			Int("edges_deleted", stats.EdgesDeleted).
			Msg("map persisted")
		return nil
	}

	registry := room.NewRegistry(persist, cfg.Debounce, room.RealClock(), logger)
	syncserver.RegisterRoomGauge(registry)

	wsServer := syncserver.NewServer(graphStore, members, registry, []byte(cfg.JWTSecret), logger)

	httpServer := app.NewHTTPServer(graphStore, registry, wsServer.HandleConnection, cfg.SyncToken, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Read/write timeouts stay unset: websocket sessions are long-lived
		// and manage their own per-message deadlines.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("studymap sync API listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Shutdown closes listeners and idle connections; live websocket sessions
	// notice the closed transport, leave their rooms, and flush pending state.
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
}
