package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "reconstitute",
	Short: "EC2 instance recovery from grouped EBS snapshots",
	Long:  `Recovers failed EC2 instances from previously captured snapshot groups: rebuilds volumes, launches a replacement instance, and reattaches everything at the original device paths.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("region", "", "AWS region (defaults to the credential chain's region)")
	rootCmd.PersistentFlags().String("journal-path", ".artifacts/recovery.db", "Recovery-run journal SQLite path")
	rootCmd.PersistentFlags().String("fsm-db-path", ".artifacts/fsm.db", "FSM BoltDB path")
	rootCmd.PersistentFlags().Duration("poll-interval", 10*time.Second, "Interval between provider state polls")
	rootCmd.PersistentFlags().Int("max-poll-attempts", 0, "Poll-attempt ceiling per wait (0 = poll without bound)")
	rootCmd.PersistentFlags().Int("fsm-max-retries", 5, "Max FSM retries per state")

	viper.BindPFlag("region", rootCmd.PersistentFlags().Lookup("region"))
	viper.BindPFlag("journal-path", rootCmd.PersistentFlags().Lookup("journal-path"))
	viper.BindPFlag("fsm-db-path", rootCmd.PersistentFlags().Lookup("fsm-db-path"))
	viper.BindPFlag("poll-interval", rootCmd.PersistentFlags().Lookup("poll-interval"))
	viper.BindPFlag("max-poll-attempts", rootCmd.PersistentFlags().Lookup("max-poll-attempts"))
	viper.BindPFlag("fsm-max-retries", rootCmd.PersistentFlags().Lookup("fsm-max-retries"))
}
