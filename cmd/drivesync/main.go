package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/openmined/drivesync/internal/config"
	"github.com/openmined/drivesync/internal/utils"
	"github.com/openmined/drivesync/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	home, _        = os.UserHomeDir()
	configFileName = "config"
)

var (
	red   = color.New(color.FgHiRed, color.Bold).SprintFunc()
	green = color.New(color.FgHiGreen).SprintFunc()
	cyan  = color.New(color.FgHiCyan).SprintFunc()
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "drivesync",
		Short:   "Back up a local folder to a remote object store and keep it in sync",
		Version: version.Detailed(),
		RunE:    runDaemon,
	}

	flags := cmd.PersistentFlags()
	flags.SortFlags = false
	flags.StringP("root", "r", "", "local folder to back up")
	flags.StringP("ledger", "l", config.DefaultLedgerPath, "upload ledger (.json snapshot, or .db for sqlite)")
	flags.StringP("backend", "b", config.BackendS3, "remote backend: s3 or fs")
	flags.Duration("debounce", config.DefaultDebounce, "quiet period before a changed file is uploaded, 0 uploads on every event")
	flags.Bool("mirror-tree", false, "upload live changes into their directory's container instead of the root container")
	flags.StringP("config", "c", config.DefaultConfigPath, "config file")
	flags.String("log-level", "info", "log level: debug, info, warn or error")

	cmd.AddCommand(newScanCmd())
	cmd.AddCommand(newLedgerCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func main() {
	// Setup root context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	code := 0
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		code = 1
	}
	closeLogFile()
	os.Exit(code)
}

// flagKeys maps command line flags onto config keys.
var flagKeys = map[string]string{
	"root":        "root_dir",
	"ledger":      "ledger_path",
	"backend":     "backend",
	"debounce":    "debounce",
	"mirror-tree": "mirror_tree",
}

// newViper reads, in increasing priority: defaults, the config file, .env
// files, DRIVESYNC_* environment variables and flags.
func newViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	config.SetDefaults(v)

	// config path
	if f := cmd.Flag("config"); f != nil && f.Changed {
		v.SetConfigFile(f.Value.String())
	} else {
		v.AddConfigPath(config.DefaultConfigDir)                     // First check .drivesync
		v.AddConfigPath(filepath.Join(home, ".config", "drivesync")) // Then check .config/drivesync
		v.SetConfigName(configFileName)
	}

	if err := v.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		var notFound viper.ConfigFileNotFoundError
		if !enoent && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config read '%s': %w", v.ConfigFileUsed(), err)
		}
	}

	// .env files only fill variables that are not already set
	for _, p := range []string{".env", filepath.Join(config.DefaultConfigDir, ".env")} {
		if utils.FileExists(p) {
			if err := godotenv.Load(p); err != nil {
				return nil, fmt.Errorf("load %s: %w", p, err)
			}
		}
	}

	v.SetEnvPrefix("DRIVESYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for flag, key := range flagKeys {
		if f := cmd.Flags().Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, err
			}
		}
	}
	return v, nil
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v, err := newViper(cmd)
	if err != nil {
		return nil, err
	}
	return config.FromViper(v)
}

var logFile *os.File

// setupLogging sends logs to stdout through tint and, when logPath is set,
// to a sequenced text log file.
func setupLogging(cmd *cobra.Command, logPath string) error {
	level := slog.LevelInfo
	if f := cmd.Flag("log-level"); f != nil {
		if err := level.UnmarshalText([]byte(f.Value.String())); err != nil {
			return fmt.Errorf("invalid log level %q", f.Value.String())
		}
	}

	stdoutHandler := tint.NewHandler(cmd.OutOrStdout(), &tint.Options{
		Level:      level,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isTerminal(cmd.OutOrStdout()),
	})
	if logPath == "" {
		slog.SetDefault(slog.New(stdoutHandler))
		return nil
	}

	if err := utils.EnsureParent(logPath); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	logFile = file

	fileHandler := slog.NewTextHandler(utils.NewSequencedWriter(file), &slog.HandlerOptions{
		Level: slog.LevelDebug,
		// time is written by the sequenced writer
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	})
	slog.SetDefault(slog.New(utils.NewFanoutHandler(stdoutHandler, fileHandler)))
	return nil
}

func closeLogFile() {
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

func showBanner(w io.Writer, cfg *config.Config) {
	color.New(color.FgHiCyan, color.Bold).Fprintf(w, "drivesync %s\n", version.Short())
	fmt.Fprintf(w, "%s %s\n", green("root   "), cfg.RootDir)
	fmt.Fprintf(w, "%s %s\n", green("backend"), describeBackend(cfg))
	fmt.Fprintf(w, "%s %s\n", green("ledger "), cfg.LedgerPath)
	if cfg.Path != "" {
		fmt.Fprintf(w, "%s %s\n", green("config "), cfg.Path)
	}
}

func describeBackend(cfg *config.Config) string {
	switch cfg.Backend {
	case config.BackendS3:
		s := "s3://" + cfg.S3.Bucket
		if cfg.S3.Prefix != "" {
			s += "/" + strings.Trim(cfg.S3.Prefix, "/")
		}
		if cfg.S3.Endpoint != "" {
			s += " via " + cfg.S3.Endpoint
		}
		return s
	case config.BackendFS:
		return cfg.FS.Dir
	default:
		return red(cfg.Backend)
	}
}
