package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/MattF42/htn-stratum-agent/src/agent"
)

func main() {
	configPath := flag.String("c", "config.yaml", "path to the agent config file")
	flag.Parse()

	cfg, err := agent.LoadConfig(*configPath)
	if err != nil {
		log.Printf("invalid config: %s", err)
		os.Exit(1)
	}
	logger, logCleanup := agent.ConfigureZap(cfg)
	defer logCleanup()

	favor := agent.LoadFavorConfig(cfg.FavorFile, logger)
	server, err := agent.NewServer(cfg, favor, logger)
	if err != nil {
		logger.Error("failed creating agent: ", err)
		logCleanup()
		os.Exit(1)
	}
	if err := server.Setup(); err != nil {
		logger.Error("failed starting agent: ", err)
		logCleanup()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := server.Run(ctx); err != nil {
		logger.Error("agent exited with error: ", err)
	}
}
