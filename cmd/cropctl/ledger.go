package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/agrimarket/agrimarket/pkg/client"
	"github.com/spf13/cobra"
)

// ── verify ───────────────────────────────────────────────────────────────────

var (
	verifyFrom int64
	verifyTo   int64
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the integrity of the ledger hash chain",
	Long: `verify walks the ledger from --from to --to (default: the whole chain)
and recomputes every payload and block hash.

A broken chain halts the server's ledger: reads keep working and every
write is refused until an operator repairs the data. The command exits
non-zero when the chain is broken.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := adminClient()
		if err != nil {
			return err
		}
		report, err := c.VerifyLedger(context.Background(), verifyFrom, verifyTo)
		if err != nil {
			return fmt.Errorf("verify: %w", err)
		}

		if outFormat == "json" {
			if err := printJSON(report); err != nil {
				return err
			}
		} else if report.Valid && report.Result != nil {
			fmt.Printf("✓ ledger valid: nonces %d..%d (%d checked)\n",
				report.Result.From, report.Result.To, report.Result.Checked)
			fmt.Printf("  root: %s\n", report.Result.Root)
		} else {
			fmt.Printf("✗ ledger BROKEN at nonce %d: %s\n", report.Nonce, report.Reason)
		}
		if !report.Valid {
			return fmt.Errorf("hash chain broken at nonce %d", report.Nonce)
		}
		return nil
	},
}

// ── ledger ───────────────────────────────────────────────────────────────────

var (
	ledgerFrom  int64
	ledgerLimit int
	ledgerUser  string
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Show the ledger root and a page of entries",
	Long: `ledger prints the chain length, the current root hash and a page of
entries. With --user it lists the entries produced by one user instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := publicClient()
		if err != nil {
			return err
		}
		ctx := context.Background()

		var entries []*client.Entry
		if ledgerUser != "" {
			entries, err = c.UserLedger(ctx, ledgerUser, ledgerLimit)
			if err != nil {
				return fmt.Errorf("user ledger: %w", err)
			}
		} else {
			ov, err := c.LedgerOverview(ctx, ledgerFrom, ledgerLimit)
			if err != nil {
				return fmt.Errorf("ledger overview: %w", err)
			}
			if outFormat == "json" {
				return printJSON(ov)
			}
			fmt.Printf("Length: %d\nRoot:   %s\n", ov.Length, ov.Root)
			if ov.Halted {
				fmt.Println("Status: HALTED (integrity check failed; writes refused)")
			}
			fmt.Println()
			entries = ov.Entries
		}

		if outFormat == "json" {
			return printJSON(entries)
		}
		return printEntries(entries)
	},
}

var entryCmd = &cobra.Command{
	Use:   "entry <nonce>",
	Short: "Show a single ledger entry with its payload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		nonce, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("nonce must be an integer: %w", err)
		}
		c, err := publicClient()
		if err != nil {
			return err
		}
		e, err := c.LedgerEntry(context.Background(), nonce)
		if err != nil {
			return fmt.Errorf("get entry: %w", err)
		}
		return printJSON(e)
	},
}

func printEntries(entries []*client.Entry) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NONCE\tKIND\tOWNER\tBLOCK HASH\tCREATED")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			e.Nonce, e.Kind, e.OwnerID, shortHash(e.Hash), e.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func shortHash(h string) string {
	if len(h) <= 16 {
		return h
	}
	return h[:16] + "…"
}

func init() {
	verifyCmd.Flags().Int64Var(&verifyFrom, "from", 0, "First nonce to verify")
	verifyCmd.Flags().Int64Var(&verifyTo, "to", -1, "Last nonce to verify (-1 = tail)")

	ledgerCmd.Flags().Int64Var(&ledgerFrom, "from", 0, "First nonce to list")
	ledgerCmd.Flags().IntVar(&ledgerLimit, "limit", 20, "Maximum entries to list")
	ledgerCmd.Flags().StringVar(&ledgerUser, "user", "", "List entries produced by this user")

	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(ledgerCmd)
	rootCmd.AddCommand(entryCmd)
}
