package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironsign/config"
	"github.com/jmcleod/ironsign/journal"
	"github.com/jmcleod/ironsign/storage"
	bboltstorage "github.com/jmcleod/ironsign/storage/bbolt"
	"github.com/jmcleod/ironsign/storage/memory"
	pgstorage "github.com/jmcleod/ironsign/storage/postgres"
)

const openTimeout = 10 * time.Second

// openJournal opens the configured journal backend. The caller closes the
// returned repository.
func openJournal(ctx context.Context, cfg config.JournalConfig, logger *slog.Logger) (*journal.Journal, storage.Repository, error) {
	var (
		repo storage.Repository
		err  error
	)
	switch cfg.Backend {
	case config.JournalMemory:
		repo = memory.NewRepository()
	case config.JournalBBolt:
		repo, err = bboltstorage.NewRepositoryFromFile(cfg.Path)
	case config.JournalPostgres:
		ctx, cancel := context.WithTimeout(ctx, openTimeout)
		defer cancel()
		repo, err = pgstorage.NewRepositoryFromDSN(ctx, cfg.DSN)
	default:
		return nil, nil, fmt.Errorf("unknown journal backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s journal: %w", cfg.Backend, err)
	}

	opts := []journal.Option{journal.WithLogger(logger)}
	if cfg.Secret != "" {
		opts = append(opts, journal.WithSecret(cfg.Secret))
	}
	j, err := journal.New(repo, opts...)
	if err != nil {
		repo.Close()
		return nil, nil, fmt.Errorf("initialising journal: %w", err)
	}
	return j, repo, nil
}

var (
	journalLimit  int
	journalVerify bool
	journalJSON   bool
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Print or verify the session lifecycle journal",
	Long: `Prints the most recent journal entries in chain order. With --verify the
whole hash chain is checked instead and the command exits non-zero when it
is broken.`,
	RunE: runJournal,
}

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.Flags().IntVarP(&journalLimit, "limit", "n", 50, "Maximum number of entries to print (0 for all)")
	journalCmd.Flags().BoolVar(&journalVerify, "verify", false, "Verify the hash chain")
	journalCmd.Flags().BoolVar(&journalJSON, "json", false, "Output results as JSON")
}

func runJournal(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	j, repo, err := openJournal(ctx, cfg.Journal, logger)
	if err != nil {
		return err
	}
	defer repo.Close()

	out := cmd.OutOrStdout()
	if journalVerify {
		result, err := j.Verify(ctx)
		if err != nil {
			return fmt.Errorf("verifying journal: %w", err)
		}
		if journalJSON {
			err = printJSON(out, result)
		} else {
			printVerifyResult(out, result)
		}
		if err != nil {
			return err
		}
		if !result.Valid {
			return fmt.Errorf("journal chain is invalid")
		}
		return nil
	}

	if journalLimit < 0 {
		return fmt.Errorf("--limit must not be negative")
	}
	entries, err := j.List(ctx, journalLimit)
	if err != nil {
		return fmt.Errorf("listing journal: %w", err)
	}
	if journalJSON {
		return printJSON(out, entries)
	}
	printEntries(out, entries)
	return nil
}

func printEntries(w io.Writer, entries []journal.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No journal entries.")
		return
	}
	for _, e := range entries {
		ev := e.Event
		line := fmt.Sprintf("%6d  %s  %-19s %s", e.Seq, ev.At.UTC().Format(time.RFC3339), ev.Type, ev.Key)
		if ev.Reason != "" {
			line += " reason=" + ev.Reason
		}
		if ev.Kind != "" {
			line += " kind=" + string(ev.Kind)
		}
		if ev.DocumentID != "" {
			line += " document=" + ev.DocumentID
		}
		if ev.Signatures > 0 {
			line += fmt.Sprintf(" signatures=%d", ev.Signatures)
		}
		fmt.Fprintln(w, line)
	}
}

func printVerifyResult(w io.Writer, result journal.VerifyResult) {
	fmt.Fprintf(w, "Entries: %d\n", result.EntryCount)
	fmt.Fprintf(w, "Sealed:  %t\n\n", result.Sealed)

	failures := 0
	for _, c := range result.Checks {
		tag := "[PASS]"
		if c.Status == journal.StatusFail {
			tag = "[FAIL]"
			failures++
		}
		if c.Detail != "" {
			fmt.Fprintf(w, "%s %s: %s\n", tag, c.Name, c.Detail)
		} else {
			fmt.Fprintf(w, "%s %s\n", tag, c.Name)
		}
	}

	fmt.Fprintln(w)
	if result.Valid {
		fmt.Fprintln(w, "Result: VALID")
	} else {
		fmt.Fprintf(w, "Result: INVALID (%d error(s))\n", failures)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

