package journal

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/sipeed/picoavatar/cmd/picoavatar/internal"
	"github.com/sipeed/picoavatar/pkg/journal"
	"github.com/sipeed/picoavatar/pkg/utils"
)

func NewJournalCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:     "journal",
		Aliases: []string{"j"},
		Short:   "List recent pipeline error records",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return journalCmd(ctx, cmd.OutOrStdout(), limit)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of records to show")

	return cmd
}

func journalCmd(ctx context.Context, out io.Writer, limit int) error {
	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if !cfg.Journal.Enabled {
		fmt.Fprintln(out, "Error journal is disabled (journal.enabled = false).")
		return nil
	}

	path := cfg.JournalPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Fprintln(out, "No error records yet.")
		return nil
	}

	j, err := journal.OpenSQLite(path)
	if err != nil {
		return err
	}
	defer j.Close()

	records, err := j.Recent(ctx, limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(out, "No error records yet.")
		return nil
	}
	total, err := j.Count(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "\nRecent error records (%d of %d):\n", len(records), total)
	fmt.Fprintln(out, "--------------------------")
	for _, rec := range records {
		fmt.Fprintf(out, "  %s  %-8s %-9s %s\n",
			rec.Time.Local().Format("2006-01-02 15:04:05"), rec.Severity, rec.Step, rec.Code)
		fmt.Fprintf(out, "    artifact: %s  retryable: %t\n", rec.Context.ArtifactID, rec.Retryable)
		if rec.Context.SourceText != "" {
			fmt.Fprintf(out, "    text: %q\n", utils.Truncate(rec.Context.SourceText, 60))
		}
		if rec.Message != "" {
			fmt.Fprintf(out, "    %s\n", utils.Truncate(rec.Message, 120))
		}
	}
	return nil
}
