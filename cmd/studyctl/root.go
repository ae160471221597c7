package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/p-n-ai/pai-study/internal/platform/cache"
	"github.com/p-n-ai/pai-study/internal/platform/config"
	"github.com/p-n-ai/pai-study/internal/platform/logging"
	"github.com/p-n-ai/pai-study/internal/study"
)

// options are the connection settings shared by every subcommand. They
// default to the LEARN_* environment.
type options struct {
	cfg     *config.Config
	loadErr error
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "studyctl",
		Short:         "Administer the study service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(os.Stderr, opts.cfg.Log.Level, "text")
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			return nil
		},
	}

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		// Fall back to defaults so --help still works; commands that need
		// the broken value fail when they use it.
		fmt.Fprintln(os.Stderr, "warning:", err)
		cfg = &config.Config{}
		opts.loadErr = err
	}
	opts.cfg = cfg
	bindConnectionFlags(root.PersistentFlags(), cfg)

	root.AddCommand(
		newImportCmd(opts),
		newValidateCmd(),
		newUnlockCmd(opts),
		newHashTokenCmd(),
	)
	return root
}

func bindConnectionFlags(fs *pflag.FlagSet, cfg *config.Config) {
	fs.StringVar(&cfg.Database.URL, "database-url", cfg.Database.URL, "postgres:// or sqlite:// URL (LEARN_DATABASE_URL)")
	fs.BoolVar(&cfg.Cache.Enabled, "cache", cfg.Cache.Enabled, "use Redis for unlock flags (LEARN_CACHE_ENABLED)")
	fs.StringVar(&cfg.Cache.URL, "cache-url", cfg.Cache.URL, "Redis URL (LEARN_CACHE_URL)")
	fs.StringVar(&cfg.Log.Level, "log-level", orDefault(cfg.Log.Level, "info"), "log level")
}

// service opens the configured store and flags. The returned func releases
// both.
func (o *options) service(ctx context.Context) (*study.Service, func(), error) {
	if o.loadErr != nil {
		return nil, nil, fmt.Errorf("load config: %w", o.loadErr)
	}
	scheme := o.cfg.Scheme()
	if err := scheme.Validate(); err != nil {
		return nil, nil, fmt.Errorf("study scheme: %w", err)
	}

	store, closeStore, err := study.Open(ctx, o.cfg.Database.URL, 2, 1)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}

	var flags study.UnlockFlags = study.NewMemoryFlags()
	closeAll := closeStore
	if o.cfg.Cache.Enabled {
		c, err := cache.New(ctx, o.cfg.Cache.URL)
		if err != nil {
			closeStore()
			return nil, nil, fmt.Errorf("connect cache: %w", err)
		}
		flags = study.NewRedisFlags(c.Client, c.Key("unlock", "pending"))
		closeAll = func() {
			_ = c.Close()
			closeStore()
		}
	}

	svc := study.NewService(study.ServiceConfig{
		Store:  store,
		Flags:  flags,
		Scheme: scheme,
	})
	return svc, closeAll, nil
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
