package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/events"
)

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Check the index against the shard files and repair drift.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			summary, runErr := a.Reconcile(cmd.Context())
			if err := printJSON(cmd.OutOrStdout(), summary); err != nil {
				return err
			}
			return runErr
		},
	}
}

func newRedrainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "redrain",
		Short: "Move every isolated URL back to pending with a fresh attempt budget.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			moved, summary, runErr := a.Redrain(cmd.Context())
			out := map[string]any{"run_id": summary.RunID, "moved": moved}
			if err := printJSON(cmd.OutOrStdout(), out); err != nil {
				return err
			}
			return runErr
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print index, queue and shard counts.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			st, err := a.Status(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

func newEventsCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Apply upstream change events from a JSON file or stdin.",
		Long: `events reads a JSON array of change events, for example
  [{"kind":"page_added","url":"https://shop.example/p/1"}]
and applies them in order. Use --file - to read from stdin.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			evs, err := readEvents(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			results, summary, runErr := a.ApplyEvents(cmd.Context(), evs)
			out := map[string]any{"run_id": summary.RunID, "results": results}
			if err := printJSON(cmd.OutOrStdout(), out); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "events file, - for stdin")
	return cmd
}

func readEvents(stdin io.Reader, file string) ([]events.Event, error) {
	r := stdin
	if file != "-" {
		f, err := os.Open(file)
		if err != nil {
			return nil, fmt.Errorf("open events file: %w", err)
		}
		defer f.Close()
		r = f
	}
	var evs []events.Event
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&evs); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}
	return evs, nil
}

func newRunsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs from the run ledger.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			runs, err := a.RecentRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), runs)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to list")
	return cmd
}
