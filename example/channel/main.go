package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	qrlp "github.com/jasonlarkin/qr-live-protocol"
)

func main() {
	flow, err := qrlp.Conf("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sink, batches, closeBatches := qrlp.NewChannelSink("fanout", 32)
	defer closeBatches()

	go fanoutWorker("archive", batches)

	if err := flow.Run(ctx, qrlp.StreamOutSink(sink)); err != nil && err != context.Canceled {
		log.Fatalf("runtime error: %v", err)
	}
}

func fanoutWorker(name string, batches <-chan []qrlp.Record) {
	for batch := range batches {
		last := batch[len(batch)-1].Payload.SequenceNumber
		fmt.Printf("[%s] forwarding %d payloads up to seq=%d at %s\n", name, len(batch), last, time.Now().Format(time.RFC3339))
	}
}
