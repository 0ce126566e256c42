package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history <identity>",
	Short: "List archived conversations of an identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer logger.Sync()

		client, err := newProxyClient(cfg, logger)
		if err != nil {
			return err
		}

		archives, err := client.Conversations(cmd.Context(), args[0], limit)
		if err != nil {
			return err
		}
		for _, archive := range archives {
			fmt.Fprintf(os.Stdout, "== %s  %s  (%d messages)\n",
				archive.StartedAt.Format("2006-01-02 15:04"), archive.ID, len(archive.Messages))
			for _, msg := range archive.Messages {
				fmt.Fprintln(os.Stdout, formatMessage(msg))
			}
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().Int("limit", 10, "Maximum number of conversations")
	rootCmd.AddCommand(historyCmd)
}
