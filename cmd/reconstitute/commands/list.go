package commands

import (
	"fmt"

	"github.com/opsstack/reconstitute/internal/config"
	"github.com/opsstack/reconstitute/pkg/errors"
	"github.com/opsstack/reconstitute/pkg/journal"
	"github.com/spf13/cobra"
)

var listRunID int64

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded recovery runs",
	Long: `Prints the recovery runs recorded in the local journal. With --run, also
prints the volumes created during that run, which is the cleanup worksheet
after a failed recovery.`,
	RunE: runList,
}

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().Int64Var(&listRunID, "run", 0, "Show the volumes created during this run")
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	repo, err := journal.NewRepository(cfg.JournalPath)
	if err != nil {
		return errors.Wrap(err, "journal init failed")
	}
	defer repo.Close()

	runs, err := repo.ListRuns()
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Println("No recovery runs recorded.")
		return nil
	}

	fmt.Printf("%-6s %-25s %-15s %-20s %-10s %-20s\n",
		"ID", "SEARCH VALUE", "ZONE", "INSTANCE", "STATUS", "CREATED")
	for _, run := range runs {
		instanceID := run.InstanceID
		if instanceID == "" {
			instanceID = "-"
		}
		fmt.Printf("%-6d %-25s %-15s %-20s %-10s %-20s\n",
			run.ID, run.SearchValue, run.BuildZone, instanceID,
			run.Status, run.CreatedAt)
		if run.ErrorMessage != "" {
			fmt.Printf("       error: %s\n", run.ErrorMessage)
		}
	}

	if listRunID == 0 {
		return nil
	}

	volumes, err := repo.VolumesForRun(listRunID)
	if err != nil {
		return err
	}

	fmt.Printf("\nVolumes for run %d:\n", listRunID)
	if len(volumes) == 0 {
		fmt.Println("  none recorded")
		return nil
	}

	fmt.Printf("%-24s %-24s %-12s\n", "VOLUME", "SNAPSHOT", "DEVICE")
	for _, vol := range volumes {
		fmt.Printf("%-24s %-24s %-12s\n", vol.VolumeID, vol.SnapshotID, vol.Device)
	}

	return nil
}
