package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mailharbor/mailharbor/pkg/api"
	"github.com/mailharbor/mailharbor/pkg/config"
	"github.com/mailharbor/mailharbor/pkg/download"
	"github.com/mailharbor/mailharbor/pkg/events"
	"github.com/mailharbor/mailharbor/pkg/graph"
	"github.com/mailharbor/mailharbor/pkg/log"
	"github.com/mailharbor/mailharbor/pkg/queue"
	"github.com/mailharbor/mailharbor/pkg/runtime"
	"github.com/mailharbor/mailharbor/pkg/store"
	msync "github.com/mailharbor/mailharbor/pkg/sync"
	"github.com/mailharbor/mailharbor/pkg/token"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mailharbor",
	Short: "Mailharbor - multi-tenant mailbox aggregation and sync service",
	Long: `Mailharbor continuously pulls messages from a Microsoft-hosted mail
provider, normalizes them into a local store, and exposes search, read and
flag operations over the result.

Accounts are grouped by a stable identifier; every token, sync cursor and
per-account artifact hangs off the group.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Mailharbor version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to config file (optional)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(writerCmd)
	rootCmd.AddCommand(syncCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func loadConfig() (*config.Config, error) {
	path, _ := rootCmd.PersistentFlags().GetString("config")
	return config.Load(path)
}

// app bundles the wired components; constructed once at startup and passed
// into each runtime instead of living as package globals.
type app struct {
	cfg      *config.Config
	store    *store.Store
	broker   *queue.Broker
	tokens   *token.Manager
	engine   *msync.Engine
	runtime  *runtime.Runtime
	writer   *runtime.Writer
	watchdog *runtime.Watchdog
	events   *events.Broker
	server   *api.Server
}

func buildApp(cfg *config.Config) (*app, error) {
	st, err := store.Open(cfg.StorePath, cfg.PoolSize)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := st.InitSchema(ctx, cfg.SchemaPath); err != nil {
		st.Close()
		return nil, err
	}

	broker, err := queue.New(cfg.RedisURL)
	if err != nil {
		st.Close()
		return nil, err
	}
	if err := broker.Ping(ctx); err != nil {
		st.Close()
		broker.Close()
		return nil, err
	}

	tokens := token.NewManager(st, token.Config{
		ClientID:     cfg.OAuthClientID,
		Tenant:       cfg.OAuthTenant,
		Scopes:       cfg.OAuthScopes,
		RedirectPort: cfg.RedirectPort,
	}, nil)

	clientFor := func(groupID string) *graph.Client {
		return graph.NewClient(cfg.GraphBaseURL, tokens.TokenSource(groupID), nil)
	}

	engine := msync.NewEngine(st, broker, clientFor, cfg.RecentSyncDays)

	dl := download.New(st, broker,
		func(ctx context.Context, groupID string) (string, error) {
			return tokens.AccessToken(ctx, groupID)
		},
		func(tok string) *graph.Client {
			return graph.NewClient(cfg.GraphBaseURL,
				func(context.Context) (string, error) { return tok, nil }, nil)
		},
		0)

	ev := events.NewBroker()
	executor := runtime.NewTaskExecutor(st, tokens, engine, dl, clientFor)
	rt := runtime.New(runtime.Config{
		Workers:  cfg.WorkerCount,
		AdminCap: int64(cfg.AdminConcurrency),
		UserCap:  int64(cfg.UserConcurrency),
	}, st, broker, executor, ev)

	writer := runtime.NewWriter(runtime.WriterConfig{
		BatchSize:     cfg.WriterBatchSize,
		FlushInterval: cfg.WriterFlushInterval,
	}, st, broker)

	return &app{
		cfg:      cfg,
		store:    st,
		broker:   broker,
		tokens:   tokens,
		engine:   engine,
		runtime:  rt,
		writer:   writer,
		watchdog: runtime.NewWatchdog(st, rt, 0),
		events:   ev,
		server:   api.NewServer(cfg.ListenAddr, rt),
	}, nil
}

func (a *app) close() {
	a.broker.Close()
	a.store.Close()
}

// logEvents mirrors service events into the log until the broker stops.
func logEvents(ev *events.Broker) {
	sub := ev.Subscribe()
	go func() {
		logger := log.WithComponent("events")
		for event := range sub {
			logger.Debug().
				Str("type", string(event.Type)).
				Str("group_id", event.GroupID).
				Str("task_id", event.TaskID).
				Msg(event.Message)
		}
	}()
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the full service: worker pool, writer daemon, watchdog, admin surface",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		a, err := buildApp(cfg)
		if err != nil {
			return err
		}
		defer a.close()

		a.events.Start()
		logEvents(a.events)
		a.writer.Start()
		a.runtime.Start()
		a.watchdog.Start()

		go func() {
			if err := a.server.Start(); err != nil {
				log.Errorf("admin server failed", err)
			}
		}()

		log.Info("Mailharbor is running")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		a.server.Shutdown(shutdownCtx)
		a.watchdog.Stop()
		a.runtime.Stop()
		a.writer.Stop()
		a.events.Stop()
		return nil
	},
}

var writerCmd = &cobra.Command{
	Use:   "writer",
	Short: "Run only the write-behind daemon",
	Long: `Run the writer daemon standalone. Useful when the worker pool runs in a
separate process and this instance only drains the write queue into the store.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		a, err := buildApp(cfg)
		if err != nil {
			return err
		}
		defer a.close()

		a.writer.Start()
		log.Info("Writer daemon is running")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		a.writer.Stop()
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync <group-id>",
	Short: "Run one sync round for a group and exit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		strategy, _ := cmd.Flags().GetString("strategy")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		a, err := buildApp(cfg)
		if err != nil {
			return err
		}
		defer a.close()

		a.writer.Start()
		defer a.writer.Stop()

		groupID := args[0]
		ctx := context.Background()

		folders, err := a.store.ListFolders(ctx, groupID)
		if err != nil {
			return err
		}
		if len(folders) == 0 {
			if _, err := a.engine.SyncFolders(ctx, groupID); err != nil {
				return err
			}
		}

		result, err := a.engine.SyncGroup(ctx, groupID, strategy, func(_, msg string) {
			fmt.Println("  " + msg)
		})
		if err != nil {
			return err
		}

		fmt.Printf("Synced %d messages (%d fetched)\n", result.Synced, result.Fetched)
		for _, e := range result.Errors {
			fmt.Println("  error: " + e)
		}
		if !result.Success {
			return fmt.Errorf("sync finished with %d errors", len(result.Errors))
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().String("strategy", msync.StrategyAuto,
		fmt.Sprintf("Sync strategy (%s, %s, %s, %s, %s, %s)",
			msync.StrategyAuto, msync.StrategyFull, msync.StrategyDelta,
			msync.StrategyIncremental, msync.StrategyRecent, msync.StrategyCheck))
}
