package cmd

import (
	"fmt"

	"github.com/deemkeen/fedgraph/app"
	"github.com/deemkeen/fedgraph/util"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := loadConf()
		if err != nil {
			return err
		}
		shown := redacted(conf)
		fmt.Fprintln(cmd.OutOrStdout(), util.PrettyPrint(shown.Conf))
		fmt.Fprintf(cmd.OutOrStdout(), "base url: %s\ndatabase: %s\n", conf.BaseURL(), app.DatabasePath(conf))
		return nil
	},
}

func redacted(conf *util.AppConfig) util.AppConfig {
	c := *conf
	if c.Conf.RedisPassword != "" {
		c.Conf.RedisPassword = "********"
	}
	return c
}

func init() {
	rootCmd.AddCommand(configCmd)
}
