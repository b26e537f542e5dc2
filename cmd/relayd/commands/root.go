package commands

import (
	"errors"
	"fmt"
	"os"
	"path"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgDir string

// RootCmd represents the base command when called without any subcommands.
var RootCmd = &cobra.Command{
	Use:   "relayd",
	Short: "Collaborative code review relay server",
	Long: `relayd relays structured code review events between plugin
instances connected to the same named channel, chunking oversized
payloads so every member can reassemble them losslessly.`,
	SilenceErrors:     true,
	SilenceUsage:      true,
	DisableAutoGenTag: true,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgDir, "config", "", "config directory (default is $HOME/.config/relayd)")
}

// initConfig reads in a config file and ENV variables if set. A missing
// config file is fine; flags and defaults cover everything.
func initConfig() {
	if cfgDir == "" {
		home, err := homedir.Dir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		cfgDir = path.Join(home, ".config", "relayd")
	}

	viper.AddConfigPath(cfgDir)
	viper.SetConfigName("relayd")
	viper.SetEnvPrefix("relayd")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "Error loading config file: %s\n", err)
			os.Exit(1)
		}
	}
}
