package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/chanrelay/chanrelay/internal/config"
	"github.com/chanrelay/chanrelay/internal/utils/logger"
	"go.uber.org/zap"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "chanrelay",
	Short: "Relay Telegram channel messages to an HTTP processor",
	Long: `chanrelay watches a set of Telegram channels, batches their messages,
and forwards them to a downstream HTTP processor. Missed messages are
reconciled on a cron schedule using per-channel cursors.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	defer logger.Sync()

	if err := rootCmd.Execute(); err != nil {
		logger.Error("Command execution failed", zap.Error(err))
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initLogging)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug|info|warn|error)")

	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.SetEnvPrefix("CHANRELAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// initLogging brings the logger up before any command body runs. The
// command-line level wins over CHANRELAY_LOG_LEVEL; both arrive through
// the viper binding.
func initLogging() {
	if err := logger.Init(resolveLogLevel()); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
}

func resolveLogLevel() string {
	if level := viper.GetString("log-level"); level != "" {
		return level
	}
	return "info"
}

// loadConfig resolves the effective configuration and the path it came from.
// The path is empty when running on defaults.
func loadConfig() (*config.Config, string, error) {
	if cfgFile == "" {
		return config.Default(), "", nil
	}

	cfg, err := config.LoadFromFile(cfgFile)
	if err != nil {
		return nil, "", err
	}
	logger.Info("Using config file", zap.String("file", cfgFile))
	return cfg, cfgFile, nil
}
