package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/femtoweb/femtoweb"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage femtod configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.femtod/" + femtoweb.DefaultConfigFileName
	if dir, err := femtoweb.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, femtoweb.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default femtod configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				dir, err := femtoweb.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, femtoweb.DefaultConfigFileName)
			}

			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}

			if stdout {
				fmt.Print(string(data))
				return nil
			}

			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	Listen                string `yaml:"listen"`
	ListenProto           string `yaml:"listen-proto"`
	MetricsListen         string `yaml:"metrics-listen"`
	PprofListen           string `yaml:"pprof-listen"`
	EnableRuntimeMetrics  bool   `yaml:"enable-runtime-metrics"`
	ReadTimeout           string `yaml:"read-timeout"`
	HeapFloor             string `yaml:"heap-floor"`
	AllocFloor            string `yaml:"alloc-floor"`
	MemoryBudget          string `yaml:"memory-budget"`
	QueueSlots            int    `yaml:"queue-slots"`
	MaxHeadBytes          string `yaml:"max-head-bytes"`
	MaxQueueDepth         int    `yaml:"max-queue-depth"`
	MinFreeHeapToQueue    string `yaml:"min-free-heap-to-queue"`
	MaxConcurrentActive   int    `yaml:"max-concurrent-active"`
	MinFreeHeapToActivate string `yaml:"min-free-heap-to-activate"`
	LogLevel              string `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Listen:               femtoweb.DefaultListen,
		ListenProto:          femtoweb.DefaultListenProto,
		MetricsListen:        femtoweb.DefaultMetricsListen,
		PprofListen:          femtoweb.DefaultPprofListen,
		EnableRuntimeMetrics: false,
		ReadTimeout:          femtoweb.DefaultReadTimeout.String(),
		HeapFloor:            humanizeBytes(femtoweb.DefaultHeapFloor),
		AllocFloor:           humanizeBytes(femtoweb.DefaultAllocFloor),
		MemoryBudget:         "",
		QueueSlots:           femtoweb.DefaultQueueSlots,
		MaxHeadBytes:         humanizeBytes(femtoweb.DefaultMaxHeadBytes),
		LogLevel:             "info",
	}
	for _, override := range overrides {
		override(&defaults)
	}
	data, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}
	return data, nil
}
