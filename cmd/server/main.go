package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"parking-core/internal/config"
	"parking-core/internal/db"
	httphandler "parking-core/internal/http"
	"parking-core/internal/repository"
	"parking-core/internal/service"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("failed to load config")
	}

	log := newLogger(cfg.Log)

	gdb, err := db.Open(cfg.Database.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	if err := db.RunMigrations(gdb); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}
	floors := make(map[string][2]int, len(cfg.Topology))
	for _, f := range cfg.Topology {
		floors[f.Name] = [2]int{f.CarSlots, f.BikeSlots}
	}
	if err := db.SeedFloors(gdb, floors); err != nil {
		log.Fatal().Err(err).Msg("failed to seed floors")
	}

	repo := repository.NewParkingRepository(gdb, cfg.Database.Timeout)

	svc, err := service.New(cfg.Pipeline, cfg.Topology, repo, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build service")
	}

	bootCtx, cancelBoot := context.WithTimeout(context.Background(), 30*time.Second)
	slots, err := repo.LoadSlots(bootCtx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load slots")
	}
	tickets, err := repo.LoadActiveTickets(bootCtx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load active tickets")
	}
	if err := svc.Bootstrap(bootCtx, slots, tickets); err != nil {
		log.Fatal().Err(err).Msg("failed to bootstrap state")
	}
	cancelBoot()
	log.Info().
		Int("slots", len(slots)).
		Int("active_tickets", len(tickets)).
		Msg("state restored")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pipelineDone := make(chan struct{})
	go func() {
		defer close(pipelineDone)
		svc.Run(ctx)
	}()

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: cfg.HTTP.AllowOrigins,
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Authorization", "Content-Type"},
	}))

	handler := httphandler.NewHandler(svc, log)
	handler.Register(router, httphandler.AuthMiddleware(cfg.Auth.JWTSecret, log))

	srv := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: router,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	<-pipelineDone
	log.Info().Msg("pipeline drained, bye")
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var out = os.Stdout
	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()
	if cfg.Pretty {
		logger = logger.Output(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339})
	}
	return logger
}
