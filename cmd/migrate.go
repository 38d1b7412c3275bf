package cmd

import (
	"fmt"

	"github.com/deemkeen/fedgraph/app"
	"github.com/deemkeen/fedgraph/db"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := loadConf()
		if err != nil {
			return err
		}
		path := app.DatabasePath(conf)
		// Open runs the migrations
		d, err := db.Open(path)
		if err != nil {
			return err
		}
		defer d.Close()
		fmt.Fprintf(cmd.OutOrStdout(), "Database %s is up to date\n", path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
