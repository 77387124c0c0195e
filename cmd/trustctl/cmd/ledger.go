package cmd

import (
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/REVIVEINC6/nino360-sub015/pkg/ledger"
)

// ErrChainBroken is returned by verify when the server reports a broken chain
var ErrChainBroken = errors.New("ledger chain verification failed")

func init() {
	rootCmd.AddCommand(verifyCmd, entriesCmd, exportCmd, deadLettersCmd)
	entriesCmd.AddCommand(entriesListCmd, entriesGetCmd)
	deadLettersCmd.AddCommand(deadLettersListCmd, deadLettersRedriveCmd)

	deadLettersListCmd.Flags().Int("limit", 100, "Maximum messages to return")

	verifyCmd.Flags().Int64("from", 0, "First sequence number to verify (default: start of chain)")
	verifyCmd.Flags().Int64("to", 0, "Last sequence number to verify (default: tail)")

	entriesListCmd.Flags().Int64("from", 1, "First sequence number")
	entriesListCmd.Flags().Int("limit", 100, "Maximum entries to return")

	exportCmd.Flags().String("format", "ndjson", "Export format: json, ndjson, csv")
	exportCmd.Flags().Int64("from", 0, "First sequence number (default: start of chain)")
	exportCmd.Flags().Int64("to", 0, "Last sequence number (default: tail)")
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the tenant's hash chain",
	Long: `Recompute every hash of the tenant's audit chain and check the links.

Exits non-zero when the chain is broken, reporting the first broken sequence
number and the kind of break.

Examples:
  trustctl verify -t acme
  trustctl verify -t acme --from 1000 --to 2000 -o json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, err := requireTenant()
		if err != nil {
			return err
		}
		from, _ := cmd.Flags().GetInt64("from")
		to, _ := cmd.Flags().GetInt64("to")

		report, err := newClient(cmd).Verify(cmd.Context(), tenant, from, to)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if handled, err := formatOutput(out, report); handled {
			if err != nil {
				return err
			}
		} else if report.OK {
			fmt.Fprintf(out, "Chain OK: %d entries checked", report.Checked)
			if report.LastSeq > 0 {
				fmt.Fprintf(out, ", tail seq %d (%s)", report.LastSeq, report.LastHash)
			}
			fmt.Fprintln(out)
		} else {
			fmt.Fprintf(out, "Chain BROKEN at seq %d: %s (%s)\n", report.FirstBrokenSeq, report.Kind, report.Reason)
			if report.Detail != "" {
				fmt.Fprintf(out, "  %s\n", report.Detail)
			}
		}

		if !report.OK {
			return fmt.Errorf("%w: tenant %s, seq %d", ErrChainBroken, tenant, report.FirstBrokenSeq)
		}
		return nil
	},
}

var entriesCmd = &cobra.Command{
	Use:   "entries",
	Short: "Inspect audit ledger entries",
}

var entriesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List entries in sequence order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, err := requireTenant()
		if err != nil {
			return err
		}
		from, _ := cmd.Flags().GetInt64("from")
		limit, _ := cmd.Flags().GetInt("limit")

		resp, err := newClient(cmd).ListEntries(cmd.Context(), tenant, from, limit)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if handled, err := formatOutput(out, resp); handled {
			return err
		}
		if len(resp.Entries) == 0 {
			fmt.Fprintln(out, "No entries.")
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tCREATED\tACTOR\tACTION\tENTITY\tHASH\tNOTARY")
		for _, e := range resp.Entries {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s/%s\t%s\t%s\n",
				e.Seq, e.CreatedAt.Format(time.RFC3339), e.ActorUserID, e.Action,
				e.EntityType, e.EntityID, shortHash(e.DiffHash), e.VerificationStatus)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if resp.NextSeq > 0 {
			fmt.Fprintf(out, "\nMore entries: --from %d\n", resp.NextSeq)
		}
		return nil
	},
}

var entriesGetCmd = &cobra.Command{
	Use:   "get <seq>",
	Short: "Show one entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, err := requireTenant()
		if err != nil {
			return err
		}
		seq, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || seq < 1 {
			return fmt.Errorf("invalid sequence number %q", args[0])
		}

		entry, err := newClient(cmd).GetEntry(cmd.Context(), tenant, seq)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if handled, err := formatOutput(out, entry); handled {
			return err
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Seq:\t%d\n", entry.Seq)
		fmt.Fprintf(w, "Created:\t%s\n", entry.CreatedAt.Format(time.RFC3339Nano))
		fmt.Fprintf(w, "Actor:\t%s\n", entry.ActorUserID)
		fmt.Fprintf(w, "Action:\t%s\n", entry.Action)
		fmt.Fprintf(w, "Entity:\t%s/%s\n", entry.EntityType, entry.EntityID)
		fmt.Fprintf(w, "Prev hash:\t%s\n", entry.PrevHash)
		fmt.Fprintf(w, "Hash:\t%s\n", entry.DiffHash)
		fmt.Fprintf(w, "Notary:\t%s %s\n", entry.VerificationStatus, entry.NotaryRef)
		for field, change := range entry.Diff {
			fmt.Fprintf(w, "  %s:\t%v -> %v\n", field, change.Old, change.New)
		}
		return w.Flush()
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the tenant's chain for offline verification",
	Long: `Stream the tenant's chain to stdout.

Examples:
  trustctl export -t acme --format csv > acme-ledger.csv`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, err := requireTenant()
		if err != nil {
			return err
		}
		raw, _ := cmd.Flags().GetString("format")
		format, err := ledger.ParseExportFormat(raw)
		if err != nil {
			return err
		}
		from, _ := cmd.Flags().GetInt64("from")
		to, _ := cmd.Flags().GetInt64("to")

		return newClient(cmd).Export(cmd.Context(), tenant, format, from, to, cmd.OutOrStdout())
	},
}

var deadLettersCmd = &cobra.Command{
	Use:   "dead-letters",
	Short: "Inspect and redrive audit requests that exhausted their retries",
}

var deadLettersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List parked audit requests, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, err := requireTenant()
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")

		resp, err := newClient(cmd).DeadLetters(cmd.Context(), tenant, limit)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if handled, err := formatOutput(out, resp); handled {
			return err
		}
		if len(resp.Messages) == 0 {
			fmt.Fprintln(out, "No dead letters.")
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "REQUEST ID\tENQUEUED\tACTION\tENTITY\tATTEMPTS\tLAST ERROR")
		for _, m := range resp.Messages {
			r := m.Request
			fmt.Fprintf(w, "%s\t%s\t%s\t%s/%s\t%d\t%s\n",
				r.RequestID, m.EnqueuedAt.Format(time.RFC3339), r.Action, r.EntityType, r.EntityID, m.Attempts, m.LastError)
		}
		return w.Flush()
	},
}

var deadLettersRedriveCmd = &cobra.Command{
	Use:   "redrive",
	Short: "Requeue every parked audit request of the tenant",
	Long: `Move the tenant's dead letters back onto the audit queue with a fresh
retry budget. Requests that were already appended are not duplicated.

Examples:
  trustctl dead-letters redrive -t acme`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, err := requireTenant()
		if err != nil {
			return err
		}
		resp, err := newClient(cmd).RedriveDeadLetters(cmd.Context(), tenant)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if handled, err := formatOutput(out, resp); handled {
			return err
		}
		fmt.Fprintf(out, "Requeued %d audit requests\n", resp.Redriven)
		return nil
	},
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
