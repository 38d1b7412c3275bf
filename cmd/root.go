package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/deemkeen/fedgraph/app"
	"github.com/deemkeen/fedgraph/db"
	"github.com/deemkeen/fedgraph/keys"
	"github.com/deemkeen/fedgraph/util"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

var logLevel string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   util.Name,
	Short: "Federated friends, follows and groups over ActivityPub",
	Long: `fedgraph keeps the social graph of a federated server: follows,
friend requests, blocks, friend lists and group memberships, and applies
inbound ActivityPub activities to it.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")
}

// loadConf reads the configuration and sets up logging.
func loadConf() (*util.AppConfig, error) {
	conf, err := util.ReadConf()
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		conf.Conf.LogLevel = logLevel
	}
	util.SetupLogging(conf)
	return conf, nil
}

// openStore opens the database and loads the key material, for commands
// that do not need the whole engine.
func openStore(ctx context.Context) (*db.DB, *keys.Material, error) {
	conf, err := loadConf()
	if err != nil {
		return nil, nil, err
	}
	d, err := db.Open(app.DatabasePath(conf))
	if err != nil {
		return nil, nil, err
	}
	material, err := keys.Load(ctx, d, app.KeyBits)
	if err != nil {
		d.Close()
		return nil, nil, err
	}
	return d, material, nil
}
