package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openmined/drivesync/internal/backup"
	"github.com/openmined/drivesync/internal/config"
	"github.com/openmined/drivesync/internal/notifier"
	"github.com/openmined/drivesync/internal/remote"
	"github.com/openmined/drivesync/internal/watch"
	"github.com/spf13/cobra"
)

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// all good now, show header
	cmd.SilenceUsage = true
	if err := setupLogging(cmd, cfg.LogFile); err != nil {
		return err
	}
	showBanner(cmd.OutOrStdout(), cfg)

	store, err := newStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	w, err := watch.New(watch.Backend(cfg.Watcher), cfg.RootDir)
	if err != nil {
		return err
	}

	engine, err := newEngine(cfg, store, w)
	if err != nil {
		return err
	}

	defer slog.Info("Bye!")
	if err := engine.Run(cmd.Context()); err != nil {
		slog.Error("drivesync stopped", "error", err)
		return err
	}
	return nil
}

func newEngine(cfg *config.Config, store remote.Store, w watch.Watcher) (*backup.Engine, error) {
	return backup.NewEngine(backup.Options{
		RootDir:    cfg.RootDir,
		LedgerPath: cfg.LedgerPath,
		Store:      store,
		Watcher:    w,
		Notifier:   newNotifier(cfg.Notify),
		Debounce:   cfg.Debounce,
		MirrorTree: cfg.MirrorTree,
		Exclude:    cfg.Exclude,
		LogFile:    cfg.LogFile,
	})
}

func newStore(ctx context.Context, cfg *config.Config) (remote.Store, error) {
	switch cfg.Backend {
	case config.BackendS3:
		store, err := remote.NewS3StoreFromConfig(ctx, &remote.S3Config{
			Bucket:        cfg.S3.Bucket,
			Region:        cfg.S3.Region,
			Endpoint:      cfg.S3.Endpoint,
			AccessKey:     cfg.S3.AccessKey,
			SecretKey:     cfg.S3.SecretKey,
			Prefix:        cfg.S3.Prefix,
			UseAccelerate: cfg.S3.UseAccelerate,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 backend: %w", err)
		}
		return store, nil
	case config.BackendFS:
		return remote.NewFSStore(nil, cfg.FS.Dir), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func newNotifier(cfg config.NotifyConfig) notifier.Notifier {
	var all []notifier.Notifier
	if cfg.Log {
		all = append(all, notifier.Log{})
	}
	if cfg.Sound != "" {
		all = append(all, notifier.NewSound(cfg.Sound, cfg.SoundCommand))
	}
	if cfg.Webhook != "" {
		all = append(all, notifier.NewWebhook(cfg.Webhook))
	}
	return notifier.Combine(all...)
}
