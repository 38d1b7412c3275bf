package cmd

import (
	"fmt"
	"strconv"

	"github.com/deemkeen/fedgraph/domain"
	"github.com/spf13/cobra"
)

var idType string

var obfuscateCmd = &cobra.Command{
	Use:   "obfuscate <id>",
	Short: "Print the public token of a post or comment id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("bad id %q: %w", args[0], err)
		}
		d, material, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer d.Close()
		ids, err := material.Obfuscator()
		if err != nil {
			return err
		}
		token, err := ids.Obfuscate(id, domain.ObjectType(idType))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

var deobfuscateCmd = &cobra.Command{
	Use:   "deobfuscate <token>",
	Short: "Print the id behind a public post or comment token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, material, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer d.Close()
		ids, err := material.Obfuscator()
		if err != nil {
			return err
		}
		id, err := ids.Deobfuscate(args[0], domain.ObjectType(idType))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{obfuscateCmd, deobfuscateCmd} {
		c.Flags().StringVar(&idType, "type", string(domain.TypePost), "object type: Post or Comment")
		rootCmd.AddCommand(c)
	}
}
