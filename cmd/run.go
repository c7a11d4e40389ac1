package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/app"
)

const forceUsage = "queue already indexed products again for a refresh scrape"

type processFlags struct {
	batchSize  int
	maxBatches int
}

func (f *processFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.batchSize, "batch-size", 0, "URLs per batch (0 uses run.batch_size)")
	cmd.Flags().IntVar(&f.maxBatches, "max-batches", 0, "stop after this many batches (0 drains the queue)")
}

func (f *processFlags) apply(cmd *cobra.Command, po *app.ProcessOptions) {
	if cmd.Flags().Changed("batch-size") {
		po.BatchSize = f.batchSize
	}
	if cmd.Flags().Changed("max-batches") {
		po.MaxBatches = f.maxBatches
	}
}

func newRunCmd() *cobra.Command {
	var (
		force         bool
		skipDiscovery bool
		pf            processFlags
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Discover new product URLs, then scrape the queue in batches.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ro := a.DefaultRunOptions()
			if cmd.Flags().Changed("force") {
				ro.Force = force
			}
			ro.SkipDiscovery = skipDiscovery
			pf.apply(cmd, &ro.Process)

			summary, runErr := a.Run(cmd.Context(), ro)
			if err := printJSON(cmd.OutOrStdout(), summary); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, forceUsage)
	cmd.Flags().BoolVar(&skipDiscovery, "skip-discovery", false, "process the existing queue only")
	pf.register(cmd)
	return cmd
}

func newDiscoverCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Walk the category hierarchy and queue unseen product URLs.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			f := a.Config().Run.ForceRefresh
			if cmd.Flags().Changed("force") {
				f = force
			}
			summary, runErr := a.Discover(cmd.Context(), f)
			if err := printJSON(cmd.OutOrStdout(), summary); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, forceUsage)
	return cmd
}

func newProcessCmd() *cobra.Command {
	var pf processFlags
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Scrape queued product URLs in batches without discovery.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			po := a.DefaultRunOptions().Process
			pf.apply(cmd, &po)
			summary, runErr := a.Process(cmd.Context(), po)
			if err := printJSON(cmd.OutOrStdout(), summary); err != nil {
				return err
			}
			return runErr
		},
	}
	pf.register(cmd)
	return cmd
}
