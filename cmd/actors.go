package cmd

import (
	"fmt"

	"github.com/deemkeen/fedgraph/app"
	"github.com/deemkeen/fedgraph/domain"
	"github.com/deemkeen/fedgraph/keys"
	"github.com/spf13/cobra"
)

var (
	displayName string
	summary     string
	access      string
	isEvent     bool
)

func createActor(kind domain.ActorKind) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		d, _, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer d.Close()
		a := &domain.Actor{
			Kind:        kind,
			Username:    args[0],
			DisplayName: displayName,
			Summary:     summary,
		}
		if kind == domain.KindGroup {
			a.Access = domain.ParseGroupAccess(access)
			a.IsEvent = isEvent
		}
		if err := keys.NewLocalActor(cmd.Context(), d, a, app.KeyBits); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created %s %s with id %d\n", a.ObjectType(), a.Username, a.ID)
		return nil
	}
}

var createUserCmd = &cobra.Command{
	Use:   "create-user <username>",
	Short: "Create a local user",
	Args:  cobra.ExactArgs(1),
	RunE:  createActor(domain.KindUser),
}

var createGroupCmd = &cobra.Command{
	Use:   "create-group <name>",
	Short: "Create a local group",
	Args:  cobra.ExactArgs(1),
	RunE:  createActor(domain.KindGroup),
}

func init() {
	for _, c := range []*cobra.Command{createUserCmd, createGroupCmd} {
		c.Flags().StringVar(&displayName, "name", "", "display name")
		c.Flags().StringVar(&summary, "summary", "", "profile summary")
		rootCmd.AddCommand(c)
	}
	createGroupCmd.Flags().StringVar(&access, "access", "open", "open, closed or private")
	createGroupCmd.Flags().BoolVar(&isEvent, "event", false, "the group is an event")
}
