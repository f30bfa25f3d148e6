package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "mailctl",
	Short: "mailctl is a command line tool for operating the bulk-mail delivery queue",
	Long: `mailctl is the command-line interface for the bulk-mail delivery queue.

Every owner has its own queue of mail jobs. Jobs are imported elsewhere;
mailctl inspects the queue and drives delivery through the controller API.

Common workflows:

  Show queue counters:
    mailctl status

  Send the next batch of mails:
    mailctl batch --size 25

  Inspect failures and try them again:
    mailctl list --filter failed
    mailctl retry-failed

  Release jobs left behind by a crashed worker:
    mailctl recover-stale

Configuration:
  Set the API endpoint and credentials via flags, environment variables or a config file:
    MAILQ_URL      API endpoint (default: http://localhost:6161)
    MAILQ_TOKEN    Owner API key for authentication`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".mailctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".mailctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "MAILQ_VARNAME"
	viper.SetEnvPrefix("MAILQ")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// newClient builds an API client from the resolved url and token.
func newClient() (*QueueClient, error) {
	token := viper.GetString("token")
	if token == "" {
		return nil, fmt.Errorf("API token not found. Please set it using the --token flag or the MAILQ_TOKEN environment variable")
	}
	return NewQueueClient(viper.GetString("url"), token), nil
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.mailctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:6161", "Controller URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.PersistentFlags().StringP("token", "t", "", "Owner API key for authentication")
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}
