package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	qrlp "github.com/jasonlarkin/qr-live-protocol"
)

func main() {
	flow, err := qrlp.Conf("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := flow.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("qrlp runtime exited: %v", err)
	}
}
