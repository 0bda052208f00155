package main

import (
	"context"
	"time"

	"github.com/pingcap-incubator/tinytree/cache/config"
	"github.com/pingcap-incubator/tinytree/cache/server"
	"github.com/pingcap-incubator/tinytree/cache/treecache"
	"github.com/pingcap-incubator/tinytree/cache/util/logutil"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

// configFlags are the command line overrides shared by serve and bench.
type configFlags struct {
	path       string
	scheme     string
	isolation  string
	cacheMode  string
	statusAddr string
	logLevel   string
}

func (f *configFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.path, "config", "C", "", "config file path")
	fs.StringVar(&f.scheme, "scheme", "", "node locking scheme: pessimistic, optimistic or mvcc")
	fs.StringVar(&f.isolation, "isolation", "", "isolation level: read-committed or repeatable-read")
	fs.StringVar(&f.cacheMode, "cache-mode", "", "cache mode")
	fs.StringVar(&f.statusAddr, "status-addr", "", "status API address")
	fs.StringVarP(&f.logLevel, "log-level", "L", "", "log level")
}

// load reads the config file, applies the flags and adjusts the result.
func (f *configFlags) load() (*config.Config, error) {
	var cfg *config.Config
	if f.path != "" {
		var err error
		if cfg, err = config.LoadFile(f.path); err != nil {
			return nil, errors.Wrapf(err, "loading %s", f.path)
		}
	} else {
		cfg = config.NewDefaultConfig()
	}
	if f.scheme != "" {
		cfg.NodeLockingScheme = f.scheme
	}
	if f.isolation != "" {
		cfg.IsolationLevel = f.isolation
	}
	if f.cacheMode != "" {
		cfg.CacheMode = f.cacheMode
	}
	if f.statusAddr != "" {
		cfg.StatusAddr = f.statusAddr
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if err := cfg.Adjust(nil); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newServeCommand(ctx context.Context) *cobra.Command {
	flags := &configFlags{}
	var address string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a cache node with its status API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			return serve(ctx, cfg, address)
		},
	}
	flags.register(cmd.Flags())
	cmd.Flags().StringVar(&address, "address", "", "address this node is known by")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, address string) error {
	if err := logutil.InitLogger(&cfg.Log); err != nil {
		return err
	}
	defer logutil.LogPanic()
	log.Info("tinytree server", zap.String("git-hash", gitHash))
	for _, msg := range cfg.WarningMsgs {
		log.Warn(msg)
	}

	var opts []treecache.Option
	if address != "" {
		opts = append(opts, treecache.WithAddress(address))
	}
	cache, err := treecache.New(cfg, opts...)
	if err != nil {
		return err
	}
	defer cache.Close()

	status := server.NewServer(cfg.StatusAddr, cache)
	if err := status.Start(); err != nil {
		return err
	}
	log.Info("cache node started",
		zap.String("address", cache.Address()),
		zap.String("scheme", cfg.NodeLockingScheme),
		zap.String("mode", cache.Mode().String()),
		zap.String("status-addr", status.Addr()))

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := status.Close(shutdownCtx); err != nil {
		log.Warn("status server shutdown", zap.Error(err))
	}
	log.Info("server stopped")
	return nil
}
