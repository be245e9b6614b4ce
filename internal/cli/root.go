package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/mev-engine/trade-resilience/internal/api"
	"github.com/mev-engine/trade-resilience/internal/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "resilience-engine",
	Short: "Trade resilience layer for Solana trading",
	Long: `Resilience Engine guards a Solana trading assistant against flaky
upstreams. It trips per-key circuit breakers on repeated failures, rotates
RPC endpoints when one keeps erroring, deduplicates repeated operations and
keeps the new-pool subscription alive across disconnects.`,
	Version: api.Version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./configs/config.yaml)")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug mode")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("api-url", "", "operator API base URL (default derived from server.host and server.port)")
	rootCmd.PersistentFlags().String("api-key", "", "operator API key")

	// Bind flags to viper
	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("api_url", rootCmd.PersistentFlags().Lookup("api-url"))
	viper.BindPFlag("server.api_key", rootCmd.PersistentFlags().Lookup("api-key"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Search config in configs directory
		viper.AddConfigPath("./configs")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("RESILIENCE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// apiClient builds an operator API client from flags and config
func apiClient() *client.Client {
	return client.New(apiURL(), viper.GetString("server.api_key"))
}

func apiURL() string {
	if u := viper.GetString("api_url"); u != "" {
		return u
	}
	return client.BaseURL(viper.GetString("server.host"), viper.GetInt("server.port"))
}
