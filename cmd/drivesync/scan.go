package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Upload new and changed files once, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			if err := setupLogging(cmd, cfg.LogFile); err != nil {
				return err
			}

			store, err := newStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			engine, err := newEngine(cfg, store, nil)
			if err != nil {
				return err
			}

			report, err := engine.ScanOnce(cmd.Context())
			if err != nil {
				return err
			}

			status := green("no new files")
			if report.UploadedAny() {
				status = green("all new files uploaded")
			}
			if report.Failed > 0 {
				status = red(fmt.Sprintf("%d failed", report.Failed))
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d uploaded (%s), %d unchanged, %d skipped, %d ignored in %s\n",
				status, report.Uploaded, humanize.Bytes(uint64(report.Bytes)),
				report.Unchanged, report.Skipped, report.Ignored, report.Duration.Round(time.Millisecond))
			return err
		},
	}
}
