package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"github.com/femtoweb/femtoweb"
	"github.com/femtoweb/femtoweb/internal/logutil"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("FEMTOD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "femtod")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			logutil.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := femtoweb.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, femtoweb.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}

	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return abs, nil
}

func humanizeBytes(n uint64) string {
	return strings.ReplaceAll(humanize.Bytes(n), " ", "")
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg femtoweb.Config
	var staticMounts []string

	cmd := &cobra.Command{
		Use:           "femtod",
		Short:         "femtod is an admission-controlled web server that queues requests and activates them as memory allows",
		SilenceErrors: true,
		Example: `
  # Serve /var/www at the root, cap the queue at 64 waiting requests
  femtod --static '/*=/var/www' --max-queue-depth 64

  # Constrain activation: at most 4 concurrent handlers, and only while
  # 32MB of heap remain free
  femtod --max-concurrent-active 4 --min-free-heap-to-activate 32MB

  # Pretend to be a small device: 64MB total budget, floors scaled down
  femtod --memory-budget 64MB --heap-floor 8KB --alloc-floor 2KB

  # Expose Prometheus metrics and pprof
  femtod --metrics-listen :9090 --pprof-listen :6060
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := logutil.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			logutil.WithSubsystem(logger, "server.lifecycle.init").WithLogLevel().Info(
				"welcome to femtod",
				"app", "femtod",
				"pid", os.Getpid(),
			)

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			if err := bindConfig(&cfg); err != nil {
				return err
			}
			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			level, ok := pslog.ParseLevel(logLevel)
			if ok {
				logger = logger.LogLevel(level)
				cliLogger = logutil.WithSubsystem(logger, "cli.root")
			}

			server, err := femtoweb.New(cfg, femtoweb.WithLogger(logger))
			if err != nil {
				return err
			}
			for _, mount := range staticMounts {
				prefix, root, err := splitStaticMount(mount)
				if err != nil {
					return err
				}
				server.ServeStatic(prefix, root)
				cliLogger.Info("static mount", "prefix", prefix, "root", root)
			}

			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()

			if configFile != "" {
				stopWatch, err := watchConfigFile(configFile, server, cliLogger)
				if err != nil {
					cliLogger.Warn("config watch unavailable", "error", err)
				} else {
					defer stopWatch()
				}
			}
			go statusOnSignal(ctx, server, cliLogger)

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			return server.Start()
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.femtod/"+femtoweb.DefaultConfigFileName+")")

	heapFloorDefault := humanizeBytes(femtoweb.DefaultHeapFloor)
	allocFloorDefault := humanizeBytes(femtoweb.DefaultAllocFloor)
	headDefault := humanizeBytes(femtoweb.DefaultMaxHeadBytes)

	flags := cmd.Flags()
	flags.String("listen", femtoweb.DefaultListen, "listen address")
	flags.String("listen-proto", femtoweb.DefaultListenProto, "listen network (tcp, tcp4, tcp6)")
	flags.String("metrics-listen", femtoweb.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", femtoweb.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-runtime-metrics", false, "enable Go runtime metrics on the Prometheus endpoint")
	flags.Duration("read-timeout", femtoweb.DefaultReadTimeout, "read timeout applied to admitted connections")
	flags.String("heap-floor", heapFloorDefault, "free-heap platform floor; below it new connections are dropped without a response")
	flags.String("alloc-floor", allocFloorDefault, "largest-free-block platform floor")
	flags.String("memory-budget", "", "total memory budget the heap monitor measures against (blank uses system memory)")
	flags.Int("queue-slots", femtoweb.DefaultQueueSlots, "size of the request slot map; admission beyond it fails like an allocation failure")
	flags.String("max-head-bytes", headDefault, "maximum request-head size before the connection is dropped")
	flags.Int("max-queue-depth", 0, "reject with 503 once this many requests wait in the queue (0 disables)")
	flags.String("min-free-heap-to-queue", "", "reject with 503 when free heap is at or below this (blank disables)")
	flags.Int("max-concurrent-active", 0, "maximum concurrently active requests (0 disables)")
	flags.String("min-free-heap-to-activate", "", "defer activation while free heap is at or below this (blank disables)")
	flags.StringSliceVar(&staticMounts, "static", nil, "static mount as PREFIX=DIR (repeatable; prefix ending in * matches by prefix)")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	bindFlag := func(name string) {
		var flag *pflag.Flag
		for _, set := range []*pflag.FlagSet{flags, persistentFlags} {
			if flag = set.Lookup(name); flag != nil {
				break
			}
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("FEMTOD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config",
		"listen", "listen-proto", "metrics-listen", "pprof-listen", "enable-runtime-metrics",
		"read-timeout", "heap-floor", "alloc-floor", "memory-budget", "queue-slots", "max-head-bytes",
		"max-queue-depth", "min-free-heap-to-queue", "max-concurrent-active", "min-free-heap-to-activate",
		"log-level",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func bindConfig(cfg *femtoweb.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.ListenProto = viper.GetString("listen-proto")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableRuntimeMetrics = viper.GetBool("enable-runtime-metrics")
	cfg.ReadTimeout = viper.GetDuration("read-timeout")
	cfg.QueueSlots = viper.GetInt("queue-slots")

	var err error
	if cfg.HeapFloor, err = parseBytesFlag("heap-floor"); err != nil {
		return err
	}
	if cfg.AllocFloor, err = parseBytesFlag("alloc-floor"); err != nil {
		return err
	}
	if cfg.MemoryBudget, err = parseBytesFlag("memory-budget"); err != nil {
		return err
	}
	head, err := parseBytesFlag("max-head-bytes")
	if err != nil {
		return err
	}
	cfg.MaxHeadBytes = int(head)

	limits, err := bindLimits()
	if err != nil {
		return err
	}
	cfg.Limits = limits
	return nil
}

func bindLimits() (femtoweb.QueueLimits, error) {
	var l femtoweb.QueueLimits
	l.MaxQueueDepth = viper.GetInt("max-queue-depth")
	l.MaxConcurrentActive = viper.GetInt("max-concurrent-active")
	var err error
	if l.MinFreeHeapToQueue, err = parseBytesFlag("min-free-heap-to-queue"); err != nil {
		return l, err
	}
	if l.MinFreeHeapToActivate, err = parseBytesFlag("min-free-heap-to-activate"); err != nil {
		return l, err
	}
	return l, nil
}

func parseBytesFlag(name string) (uint64, error) {
	raw := strings.TrimSpace(viper.GetString(name))
	if raw == "" {
		return 0, nil
	}
	size, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return size, nil
}

func splitStaticMount(mount string) (string, string, error) {
	prefix, root, ok := strings.Cut(mount, "=")
	if !ok || prefix == "" || root == "" {
		return "", "", fmt.Errorf("static mount %q: expected PREFIX=DIR", mount)
	}
	return prefix, root, nil
}

// watchConfigFile reloads the queue limits when the config file changes.
// Only the limit keys are live; everything else needs a restart.
func watchConfigFile(path string, server *femtoweb.Server, logger pslog.Logger) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace config files via rename, which
	// drops a watch held on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				if err := viper.ReadInConfig(); err != nil {
					logger.Warn("config reload failed", "path", path, "error", err)
					continue
				}
				limits, err := bindLimits()
				if err != nil {
					logger.Warn("config reload failed", "path", path, "error", err)
					continue
				}
				server.SetQueueLimits(limits)
				logger.Info("queue limits reloaded", "path", path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watch error", "error", err)
			}
		}
	}()
	return func() { watcher.Close() }, nil
}

// statusOnSignal dumps the queue snapshot to stderr on SIGUSR1.
func statusOnSignal(ctx context.Context, server *femtoweb.Server, logger pslog.Logger) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGUSR1)
	defer signal.Stop(signals)
	for {
		select {
		case <-ctx.Done():
			return
		case <-signals:
			if err := server.PrintStatus(os.Stderr); err != nil {
				logger.Warn("status dump failed", "error", err)
			}
		}
	}
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
