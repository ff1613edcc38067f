package main

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/hollandav/boardroom/internal/config"
	"github.com/hollandav/boardroom/internal/httpapi"
	"github.com/hollandav/boardroom/internal/registry"
	"github.com/hollandav/boardroom/internal/relay"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("bad configuration", zap.Error(err))
	}

	ctx := context.Background()

	rel := relay.New(ctx, relay.Options{
		BufferSize: cfg.SignalBuffer,
		BufferTTL:  cfg.SignalTTL,
	}, log.Named("relay"))

	reg := registry.New(ctx, rel, registry.Options{
		RoomCap:       cfg.RoomCap,
		RoomIdle:      cfg.RoomIdle,
		SweepInterval: cfg.SweepInterval,
	}, log.Named("registry"))

	handler := httpapi.SetupRoutes(reg, rel, cfg.AllowedOrigins, log.Named("ws"))

	log.Info("listening", zap.String("addr", cfg.Addr))
	if err := http.ListenAndServe(cfg.Addr, handler); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}
