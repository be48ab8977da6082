package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/wikiedu/wikitrack/internal/config"
	"github.com/wikiedu/wikitrack/internal/errorreport"
	"github.com/wikiedu/wikitrack/internal/importer"
	"github.com/wikiedu/wikitrack/internal/retry"
	"github.com/wikiedu/wikitrack/internal/scoring"
	"github.com/wikiedu/wikitrack/internal/storage"
	"github.com/wikiedu/wikitrack/internal/storage/backend"
	"github.com/wikiedu/wikitrack/internal/types"
)

// Version is set at build time with -ldflags "-X main.Version=..."
var Version = "dev"

var (
	configPath string
	logLevel   string
	logFormat  string
	dbPath     string

	cfg   *config.Config
	log   *logrus.Logger
	store storage.Storage
)

// skipStore marks commands that manage the database connection themselves
const skipStore = "skip-store"

var rootCmd = &cobra.Command{
	Use:   "wikitrack",
	Short: "Import course revisions and score their quality",
	Long: `wikitrack imports the edits made by course students on Wikimedia wikis
and fills in article quality scores for each revision and its parent.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		if logFormat != "" {
			cfg.Log.Format = logFormat
		}
		if dbPath != "" {
			cfg.Database.Backend = storage.BackendSQLite
			cfg.Database.Path = dbPath
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if log, err = newLogger(cfg.Log); err != nil {
			return err
		}
		if err := scoring.ValidatePolicies(); err != nil {
			return err
		}

		if cmd.Annotations[skipStore] == "true" {
			return nil
		}
		store, err = backend.Open(cmd.Context(), &cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if store != nil {
			if err := store.Close(); err != nil {
				log.WithError(err).Warn("Failed to close database")
			}
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default "+config.DefaultPath+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: text or json")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (overrides the config file)")
	rootCmd.Version = Version
}

func newLogger(c config.LogConfig) (*logrus.Logger, error) {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	l.SetLevel(level)
	if c.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return l, nil
}

// newPipeline wires the HTTP clients to the store. Reports for a course
// are recorded in the store's update errors.
func newPipeline() *importer.Pipeline {
	reporter := errorreport.New(log, store)
	clients := &importer.HTTPClients{
		Replica:  cfg.ReplicaClientConfig(),
		ORES:     cfg.ORESClientConfig(),
		Wiki:     cfg.WikiAPIClientConfig(),
		Breaker:  retry.DefaultBreakerConfig(),
		Reporter: reporter,
		Log:      log,
	}
	return importer.NewPipeline(store, clients,
		importer.WithConfig(cfg.Import),
		importer.WithLockDir(cfg.Database.LockDir),
		importer.WithVersion(Version),
		importer.WithReporter(reporter),
		importer.WithLogger(log),
	)
}

// parseWiki accepts "en.wikipedia", "en.wikipedia.org" or "wikidata"
func parseWiki(s string) (language, project string, err error) {
	s = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), ".org")
	if s == "wikidata" || s == "www.wikidata" {
		return "", "wikidata", nil
	}
	parts := strings.Split(s, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid wiki %q (expected language.project, e.g. en.wikipedia)", s)
	}
	w := types.Wiki{Language: parts[0], Project: parts[1]}
	if err := w.Validate(); err != nil {
		return "", "", fmt.Errorf("invalid wiki %q: %w", s, err)
	}
	return w.Language, w.Project, nil
}

func lookupWiki(ctx context.Context, s string) (*types.Wiki, error) {
	language, project, err := parseWiki(s)
	if err != nil {
		return nil, err
	}
	return store.GetOrCreateWiki(ctx, language, project)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
