package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/openmined/drivesync/internal/backup"
	"github.com/openmined/drivesync/internal/ledger"
	"github.com/openmined/drivesync/internal/utils"
	"github.com/spf13/cobra"
)

func newLedgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect or reset the upload ledger",
	}
	cmd.AddCommand(newLedgerListCmd())
	cmd.AddCommand(newLedgerResetCmd())
	return cmd
}

// ledgerPath resolves the ledger location without requiring a usable backend.
func ledgerPath(cmd *cobra.Command) (string, error) {
	v, err := newViper(cmd)
	if err != nil {
		return "", err
	}
	return utils.CanonicalPath(v.GetString("ledger_path"))
}

func newLedgerListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tracked files and the modification time last uploaded",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := ledgerPath(cmd)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			if !utils.FileExists(path) {
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "no ledger at %s\n", path)
				return err
			}
			l, err := ledger.Open(path)
			if err != nil {
				return err
			}
			defer l.Close()

			out := cmd.OutOrStdout()
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, e := range l.Entries() {
				mtime := e.Marker.Time()
				fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Path, mtime.Format("2006-01-02 15:04:05"), humanize.Time(mtime))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			_, err = fmt.Fprintf(out, "%s tracked in %s\n", cyan(fmt.Sprintf("%d files", l.Len())), path)
			return err
		},
	}
}

func newLedgerResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Forget every upload so the next scan uploads everything again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := ledgerPath(cmd)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			release, err := backup.LockLedger(path)
			if err != nil {
				return err
			}
			defer release()

			l, err := ledger.Open(path)
			if err != nil {
				return err
			}
			defer l.Close()

			n := l.Len()
			if err := l.Reset(); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %d entries from %s\n", green("cleared"), n, path)
			return err
		},
	}
}
