package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mailharbor/mailharbor/pkg/config"
	"github.com/mailharbor/mailharbor/pkg/log"
	"github.com/mailharbor/mailharbor/pkg/store"
)

// mailharbor-migrate applies the schema seed to the store file and exits.
// The serve command also runs the seed at startup; this binary exists for
// provisioning a database ahead of first start.
func main() {
	configPath := flag.String("config", "", "Path to config file (optional)")
	storePath := flag.String("store", "", "Store path (overrides config)")
	schemaPath := flag.String("schema", "", "Schema seed path (default: embedded)")
	flag.Parse()

	log.Init(log.Config{Level: log.InfoLevel})

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *storePath != "" {
		cfg.StorePath = *storePath
	}
	if *schemaPath != "" {
		cfg.SchemaPath = *schemaPath
	}

	st, err := store.Open(cfg.StorePath, 1)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := st.InitSchema(ctx, cfg.SchemaPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Schema applied to %s\n", cfg.StorePath)
}
