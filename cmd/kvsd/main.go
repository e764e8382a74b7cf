package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/costdin/kvs/config"
	"github.com/costdin/kvs/storage"
	"github.com/costdin/kvs/transport"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the JSON configuration file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	logger.Info("starting kvs",
		zap.Int("port", cfg.Port),
		zap.Int("replication_port", cfg.ReplicationPort),
		zap.Bool("is_replica", cfg.IsReplica),
		zap.String("fsync", string(cfg.FSync)),
		zap.Int64("cache_size_bytes", cfg.CacheSizeBytes),
	)

	var replicaLink *storage.ReplicaLink
	if !cfg.IsReplica && len(cfg.Replicas) > 0 {
		replicaLink = storage.NewReplicaLink(cfg.Replicas, cfg.ReplicaQueueSize, logger)
	}

	durability := storage.DurabilityDefault
	if cfg.FSync == config.FSyncStrict {
		durability = storage.DurabilityStrict
	}

	engine, err := storage.NewEngine(storage.EngineConfig{
		Dir:                    cfg.DataDir,
		MaxPageBytes:           cfg.MaxPageBytes,
		CacheSizeBytes:         cfg.CacheSizeBytes,
		MaxRangeResponse:       cfg.MaxRangeResponse,
		Durability:             durability,
		IsReplica:              cfg.IsReplica,
		BloomFalsePositiveRate: cfg.BloomFalsePositiveRate,
		Logger:                 logger,
	}, replicaLink)
	if err != nil {
		logger.Fatal("failed to start engine", zap.Error(err))
	}
	defer engine.Close()

	srv := transport.NewServer(engine, logger)

	servers := []*http.Server{
		{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: srv.PublicMux(cfg.IsReplica)},
	}
	if cfg.IsReplica {
		servers = append(servers, &http.Server{Addr: fmt.Sprintf(":%d", cfg.ReplicationPort), Handler: srv.ReplicationMux()})
	}

	for _, s := range servers {
		s := s
		go func() {
			logger.Info("listening", zap.String("addr", s.Addr))
			if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("server stopped", zap.String("addr", s.Addr), zap.Error(err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	for _, s := range servers {
		s.Close()
	}
}
