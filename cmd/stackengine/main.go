package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"stackengine/internal/classify"
	"stackengine/internal/cli"
	"stackengine/internal/config"
	"stackengine/internal/engine"
	"stackengine/internal/logging"
	"stackengine/internal/storage"
	"stackengine/internal/tasks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		log.Fatal("Failed to set up logging:", err)
	}

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		log.Fatal("Failed to open database:", err)
	}
	defer store.Close()

	svc, err := tasks.NewServices(cfg, logger)
	if err != nil {
		log.Fatal("Failed to set up processing tools:", err)
	}

	reader := classify.NewCompositeReader()
	defer reader.Close()

	session := engine.NewSession(cfg, classify.New(reader, logger), svc, store, logger)
	root := cli.NewRoot(session, cfg, logger, store)

	if err := cli.NewRootCmd(root).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		store.Close()
		reader.Close()
		os.Exit(1)
	}
}
