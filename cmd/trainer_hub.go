package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lowaak/smart-trainer/trainer-hub/internal/config"
)

// rootOptions carries what the root command resolves to its subcommands
type rootOptions struct {
	viper      *viper.Viper
	configFile string
	settings   config.Settings
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{viper: config.New()}

	rootCmd := &cobra.Command{
		Use:   "trainer-hub",
		Short: "Connect smart trainers and fitness sensors and keep them connected",
		Long: `trainer-hub discovers Bluetooth LE fitness devices, works out which of
their services to use, binds them to roles (trainer, power, cadence, speed,
heart rate) and reconnects assigned devices when they come back in range.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.BindFlags(opts.viper, cmd.Flags()); err != nil {
				return err
			}
			settings, err := config.Load(opts.viper, opts.configFile)
			if err != nil {
				return err
			}
			opts.settings = settings
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "config file (default $HOME/.smart-trainer/trainer-hub.yaml)")
	flags.Bool("json", false, "Output in JSON format")
	config.RegisterFlags(flags)

	rootCmd.AddCommand(
		newRunCommand(opts),
		newScanCommand(opts),
		newRolesCommand(opts),
	)
	return rootCmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
