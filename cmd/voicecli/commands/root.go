package commands

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/spf13/cobra"

	"github.com/satriahrh/crmvoice/internal/config"
	"github.com/satriahrh/crmvoice/internal/proxyclient"
)

var (
	configFile string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "voicecli",
	Short: "Voice-shopping and CRM command line client",
	Long: `Voice-shopping and CRM command line client.

Configuration is read from the optional YAML file given with --config, a .env
file in the working directory and the environment.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output to stderr")
}

func loadConfig() (*config.Config, error) {
	return config.Load(configFile)
}

// newLogger logs warnings only unless --verbose is set
func newLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	cfg.Encoding = "console"
	return cfg.Build()
}

func newProxyClient(cfg *config.Config, logger *zap.Logger) (*proxyclient.Client, error) {
	return proxyclient.New(proxyclient.Config{
		BaseURL:      cfg.Proxy.URL,
		ClientID:     cfg.Proxy.ClientID,
		ClientSecret: cfg.Proxy.ClientSecret,
	}, nil, logger)
}
