package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/agentpool/agentpool/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "agentpool",
	Short: "Session-scoped agent instance pool",
	Long: `Agentpool runs a coding-agent CLI as ephemeral child processes behind a
message-routing facade: each session gets a pooled instance with strict
admission control and idle reclamation, and lifecycle events fan out to
chat and webhook consumers.`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/agentpool/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("AGENTPOOL")
	// Replace dots with underscores for nested keys in env vars
	// e.g., AGENTPOOL_POOL_MAX_INSTANCES for pool.max_instances
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
