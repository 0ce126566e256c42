package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/satriahrh/crmvoice/internal/crm"
	"github.com/satriahrh/crmvoice/internal/proxyclient"
)

var crmCmd = &cobra.Command{
	Use:   "crm",
	Short: "Browse CRM records through the proxy",
}

var crmListCmd = &cobra.Command{
	Use:   "list <entity-set>",
	Short: "List records of an entity set",
	Long: `List records of an entity set, one JSON record per line.

The first page is requested with --page-size; following pages are fetched
through the next link returned by the CRM.

Examples:
  voicecli crm list accounts --query '$select=name' --page-size 10
  voicecli crm list contacts --all`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query, _ := cmd.Flags().GetString("query")
		pageSize, _ := cmd.Flags().GetInt("page-size")
		all, _ := cmd.Flags().GetBool("all")

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

		enc := json.NewEncoder(os.Stdout)
		return client.ListAll(cmd.Context(), args[0], query, pageSize, func(page *crm.Page) error {
			for _, item := range page.Items {
				if err := enc.Encode(item); err != nil {
					return err
				}
			}
			if !all {
				if page.NextLink != "" {
					fmt.Fprintln(os.Stderr, "More records available, use --all to fetch every page")
				}
				return proxyclient.ErrStopPaging
			}
			return nil
		})
	},
}

var crmGetCmd = &cobra.Command{
	Use:   "get <entity-set> <id>",
	Short: "Fetch a single record",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
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

		record, err := client.Get(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(os.Stdout, string(record))
		return err
	},
}

func init() {
	crmListCmd.Flags().StringP("query", "q", "", "OData query string forwarded as is")
	crmListCmd.Flags().IntP("page-size", "n", 0, "Records per page (0 uses the proxy default)")
	crmListCmd.Flags().Bool("all", false, "Follow next links until the last page")

	crmCmd.AddCommand(crmListCmd)
	crmCmd.AddCommand(crmGetCmd)
	rootCmd.AddCommand(crmCmd)
}
