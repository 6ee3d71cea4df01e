package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	qrlp "github.com/jasonlarkin/qr-live-protocol"
)

const defaultConfig = "./data/config.yaml"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "run":
		err = runCommand(os.Args[2:])
	case "generate":
		err = generateCommand(os.Args[2:])
	case "verify":
		err = verifyCommand(os.Args[2:])
	case "identity":
		err = identityCommand(os.Args[2:])
	case "validate":
		err = validateCommand(os.Args[2:])
	case "stats":
		err = statsCommand(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		printUsage()
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil {
		log.Fatalf("qrlp %s: %v", cmd, err)
	}
}

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfig, "Path to configuration file")
	text := fs.String("text", "", "Static user text embedded in every payload")
	if err := fs.Parse(args); err != nil {
		return err
	}

	flow, err := qrlp.Conf(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *text != "" {
		msg := *text
		flow.StreamIN(qrlp.StreamInUserData(qrlp.TextSupplier(func() string { return msg })))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return flow.Run(ctx)
}

// oneShot builds a runtime without the HTTP server, primes its time and
// chain caches and hands it to fn.
func oneShot(cfgPath string, fn func(ctx context.Context, rt *qrlp.Runtime) error) error {
	cfg, err := qrlp.LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	rt, err := qrlp.NewRuntime(cfg, qrlp.WithoutServer())
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt.SyncTime(ctx)
	rt.RefreshChains(ctx)
	runErr := fn(ctx, rt)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return errors.Join(runErr, rt.Shutdown(shutdownCtx))
}

func generateCommand(args []string) error {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfig, "Path to configuration file")
	text := fs.String("text", "", "User text to embed")
	pngPath := fs.String("png", "", "Write the QR image to this file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return oneShot(*cfgPath, func(ctx context.Context, rt *qrlp.Runtime) error {
		var data map[string]any
		if *text != "" {
			data = map[string]any{"user_text": *text}
		}
		u, err := rt.Generate(ctx, data)
		if err != nil {
			return err
		}
		fmt.Println(string(u.JSON))
		if *pngPath == "" {
			return nil
		}
		if u.Image == nil {
			return errors.New("renderer produced no image")
		}
		return os.WriteFile(*pngPath, u.Image, 0o644)
	})
}

func verifyCommand(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfig, "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var raw []byte
	if fs.NArg() > 0 {
		raw = []byte(strings.Join(fs.Args(), " "))
	} else {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		raw = b
	}

	return oneShot(*cfgPath, func(_ context.Context, rt *qrlp.Runtime) error {
		res := rt.Verify(raw)
		out, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		if !res.Valid() {
			return errors.New("payload failed verification")
		}
		return nil
	})
}

func identityCommand(args []string) error {
	if len(args) < 1 {
		return errors.New("identity requires a subcommand: show, add-file, remove-file or export")
	}
	sub := args[0]
	fs := flag.NewFlagSet("identity "+sub, flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfig, "Path to configuration file")
	path := fs.String("path", "", "File to hash (add-file) or destination (export)")
	label := fs.String("label", "", "Label of the identity file")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	return oneShot(*cfgPath, func(_ context.Context, rt *qrlp.Runtime) error {
		persist := rt.Config().Identity.IdentityFile
		switch sub {
		case "show":
			out, err := json.MarshalIndent(struct {
				Hash string            `json:"hash"`
				Info qrlp.IdentityInfo `json:"info"`
			}{rt.IdentityHash(), rt.IdentityInfo()}, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		case "add-file":
			if *path == "" {
				return errors.New("-path is required")
			}
			if err := rt.AddIdentityFile(*path, *label); err != nil {
				return err
			}
		case "remove-file":
			if *label == "" {
				return errors.New("-label is required")
			}
			if err := rt.RemoveIdentityFile(*label); err != nil {
				return err
			}
		case "export":
			if *path != "" {
				persist = *path
			}
		default:
			return fmt.Errorf("unknown identity subcommand %q", sub)
		}
		if persist == "" {
			return errors.New("no identity_file configured and no -path given")
		}
		if err := rt.ExportIdentity(persist); err != nil {
			return err
		}
		fmt.Printf("identity %s written to %s\n", rt.IdentityHash(), persist)
		return nil
	})
}

func validateCommand(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfig, "Path to configuration file to validate")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if _, err := qrlp.LoadConfig(*cfgPath); err != nil {
		return err
	}
	fmt.Printf("config %s looks good\n", *cfgPath)
	return nil
}

func statsCommand(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	url := fs.String("url", "http://localhost:9100/metrics", "Prometheus metrics endpoint")
	interval := fs.Duration("interval", 2*time.Second, "Refresh interval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	fmt.Printf("Streaming metrics from %s (Ctrl+C to stop)\n", *url)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := printMetricsSnapshot(*url); err != nil {
				fmt.Fprintf(os.Stderr, "stats error: %v\n", err)
			}
		}
	}
}

func printMetricsSnapshot(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	targets := map[string]float64{
		"qrlp_payloads_generated_total": 0,
		"qrlp_sequence_number":          0,
		"qrlp_time_offset_seconds":      0,
		"qrlp_archive_queue_length":     0,
		"qrlp_journal_size_bytes":       0,
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		for key := range targets {
			if strings.HasPrefix(line, key+" ") {
				var value float64
				if _, err := fmt.Sscanf(line, key+" %f", &value); err == nil {
					targets[key] = value
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	fmt.Printf("[%s] payloads=%.0f seq=%.0f offset=%.3fs queue=%.0f journal_bytes=%.0f\n",
		time.Now().Format(time.RFC3339),
		targets["qrlp_payloads_generated_total"],
		targets["qrlp_sequence_number"],
		targets["qrlp_time_offset_seconds"],
		targets["qrlp_archive_queue_length"],
		targets["qrlp_journal_size_bytes"],
	)
	return nil
}

func printUsage() {
	fmt.Printf(`QR Live Protocol CLI

Usage:
  qrlp <command> [flags]

Commands:
  run        Start the live engine and HTTP API using the provided config
  generate   Produce a single payload and print its JSON
  verify     Verify payload JSON given as argument or on stdin
  identity   show | add-file | remove-file | export the node identity
  validate   Load and validate a config file without starting the engine
  stats      Poll the Prometheus metrics endpoint and print live counters

Examples:
  qrlp run -config ./data/config.yaml -text "lobby display"
  qrlp generate -config ./data/config.yaml -png current.png
  qrlp generate | qrlp verify
  qrlp identity add-file -path ./firmware.bin -label firmware
  qrlp stats -url http://localhost:9100/metrics -interval 1s
`)
}
