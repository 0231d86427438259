// Command pushbridge consumes the AT Protocol firehose, classifies
// events relevant to registered users, and dispatches push
// notifications through a token-authenticated gateway.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/primal-host/pushbridge/internal/config"
	"github.com/primal-host/pushbridge/internal/logging"
	"github.com/primal-host/pushbridge/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	sugar, err := logging.New(os.Getenv("DEBUG") != "")
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	defer sugar.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		sugar.Info("shutdown signal received")
		cancel()
	}()

	sup, err := supervisor.New(ctx, cfg, sugar)
	if err != nil {
		sugar.Fatalw("failed to initialize supervisor", "error", err)
	}

	if err := sup.Run(ctx); err != nil {
		sugar.Fatalw("supervisor exited with error", "error", err)
	}
}
