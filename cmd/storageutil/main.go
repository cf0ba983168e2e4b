package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"llmrelay-go/internal/config"
	"llmrelay-go/internal/storage"
)

// storageutil moves credential pools between the config file and the
// database, and reports storage health, without a running server.
func main() {
	mode := flag.String("mode", "", "operation: import | export | status")
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	timeout := flag.Duration("timeout", 30*time.Second, "operation timeout")
	flag.Parse()

	if *mode == "" {
		fail(fmt.Errorf("missing -mode (import|export|status)"))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fail(err)
	}
	if cfg.Storage.DatabaseURL == "" {
		fail(fmt.Errorf("storage.database_url not configured; nothing to bridge"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	layer, err := storage.OpenDB(ctx, cfg.Storage.DatabaseURL)
	if err != nil {
		fail(err)
	}
	defer layer.Close()

	switch *mode {
	case "import":
		report, err := layer.ImportFromFile(ctx)
		if err != nil {
			fail(err)
		}
		printJSON(report)
	case "export":
		report, err := layer.ExportToFile(ctx)
		if err != nil {
			fail(err)
		}
		printJSON(report)
	case "status":
		printJSON(layer.Status(ctx))
	default:
		fail(fmt.Errorf("unknown mode %q (expected import, export, status)", *mode))
	}
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "storageutil:", err)
	os.Exit(1)
}
