package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"decyra/internal/api"
	"decyra/internal/auth"
	"decyra/internal/config"
	"decyra/internal/gateway"
	"decyra/internal/notebook"
	"decyra/internal/redis"
	"decyra/internal/storage"
	"decyra/internal/worker"
)

func main() {
	cfg, err := config.Load(os.Getenv("DECYRA_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("DECYRA_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	// Redis is an optional status cache; the service runs without it.
	cacheClient, err := redis.NewClient(cfg)
	if err != nil {
		log.Printf("redis unavailable, falling back to SQL status reads: %v", err)
		cacheClient = nil
	} else {
		defer cacheClient.Close()
	}

	ctx := context.Background()
	gemini, err := gateway.NewGemini(ctx, cfg.Gemini)
	if err != nil {
		log.Fatalf("init gemini gateway: %v", err)
	}

	scratch, err := notebook.NewScratch(cfg.BasicConfig.ScratchDir)
	if err != nil {
		log.Fatalf("init scratch dir: %v", err)
	}
	scratch.StartSweeper(ctx,
		time.Duration(cfg.BasicConfig.ScratchSweepInterval)*time.Minute,
		time.Duration(cfg.BasicConfig.ScratchTTL)*time.Minute,
	)

	notebookSvc := notebook.NewService(db)
	authSvc := auth.NewService(db, time.Duration(cfg.BasicConfig.TokenTTLHours)*time.Hour)

	manager := worker.NewManager(notebookSvc, gemini, scratch, worker.DispatcherConfig{
		MinWorkers:        cfg.BasicConfig.MinWorkers,
		MaxWorkers:        cfg.BasicConfig.MaxWorkers,
		QueueSize:         cfg.BasicConfig.QueueSize,
		WorkerIdleTimeout: time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Minute,
	}, cacheClient)

	router := gin.Default()
	handler := api.NewHandler(notebookSvc, authSvc, manager, scratch, log.Printf)
	handler.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}
	log.Printf("decyra listening on %s", addr)
	if err := router.Run(addr); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
