package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/jasonlarkin/qr-live-protocol/pkg/qrlp"
)

func main() {
	flow, err := qrlp.Conf("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printUpdate := func(u qrlp.Update) {
		p := u.Payload
		fmt.Printf("%s seq=%d identity=%.12s chains=%v png=%dB\n",
			p.Timestamp.Format(time.RFC3339Nano),
			p.SequenceNumber,
			p.IdentityHash,
			p.BlockchainHashes,
			len(u.Image),
		)
	}

	archived := func(batch []qrlp.Record) error {
		for _, rec := range batch {
			fmt.Printf("archived seq=%d cid=%s\n", rec.Payload.SequenceNumber, rec.CID)
		}
		return nil
	}

	flow.StreamIN(qrlp.StreamInUserData(qrlp.TextSupplier(func() string {
		return "callback example " + time.Now().Format(time.Kitchen)
	})))

	if err := flow.Run(ctx,
		qrlp.StreamOutSubscriber(printUpdate),
		qrlp.StreamOutCallback("stdout", archived),
	); err != nil && err != context.Canceled {
		log.Fatalf("runtime error: %v", err)
	}
}
