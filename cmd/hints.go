package cmd

import (
	"fmt"

	"github.com/deemkeen/fedgraph/cache"
	"github.com/deemkeen/fedgraph/graph"
	"github.com/spf13/cobra"
)

var normalizeHintsCmd = &cobra.Command{
	Use:   "normalize-hints",
	Short: "Halve the friend hint ranks of users above the ceiling",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, _, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer d.Close()
		c, err := cache.New(1000)
		if err != nil {
			return err
		}
		defer c.Close()
		n, err := graph.New(d, c).NormalizeHintsRanks(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Normalized hint ranks of %d users\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(normalizeHintsCmd)
}
