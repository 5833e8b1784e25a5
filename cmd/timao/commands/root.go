package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Wike-CHI/timao-douyin-live-manager-sub002/pkg/cli"
)

var (
	// Global flags
	verbose     bool
	contextName string

	// Global client configuration (loaded at init time)
	globalConfig *cli.Config
)

var rootCmd = &cobra.Command{
	Use:   "timao",
	Short: "Live streaming host assistant",
	Long: `timao - Real-time analysis assistant for live streaming hosts.

The server ingests speech recognition events and audience chat, assembles
them into analysis windows, and runs an LLM workflow that produces concise
advice cards for the host.

Commands:
  serve     Run the analysis server
  sessions  Manage live sessions on a running server
  persona   Inspect and edit stored host personas
  monitor   Follow an entity's advice stream in the terminal
  config    Manage client contexts

Client configuration is stored in ~/.timao/config.yaml.

Examples:
  # Point the client at a server and make it the default
  timao config add-context studio --server http://127.0.0.1:8300
  timao config use-context studio

  # Start a session and watch the advice stream
  timao sessions start --session live-001 --entity host-1
  timao monitor host-1`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&contextName, "context", "c", "", "client context to use (default: current context)")
}

// configLoadErr stores the error from config loading for deferred reporting.
var configLoadErr error

func initConfig() {
	cfg, err := loadClientConfig()
	if err != nil {
		// Store error for deferred reporting. Commands that need config
		// will get a clear error via GetConfig(). This avoids failing
		// commands like 'timao version' when HOME is not set.
		configLoadErr = err
		return
	}
	globalConfig = cfg
}

// loadClientConfig honors TIMAO_CONFIG_DIR so tests and scripts can
// redirect the client config away from the home directory.
func loadClientConfig() (*cli.Config, error) {
	if dir := os.Getenv("TIMAO_CONFIG_DIR"); dir != "" {
		return cli.LoadConfigWithPath(filepath.Join(dir, cli.DefaultConfigFile))
	}
	return cli.LoadConfig()
}

// GetConfig returns the client configuration.
// Returns an error if the config could not be loaded (e.g., HOME not set).
func GetConfig() (*cli.Config, error) {
	if globalConfig == nil {
		if configLoadErr != nil {
			return nil, fmt.Errorf("config not available: %w", configLoadErr)
		}
		// Try loading again (e.g., dir was created since init).
		cfg, err := loadClientConfig()
		if err != nil {
			return nil, fmt.Errorf("config not available: %w", err)
		}
		globalConfig = cfg
	}
	return globalConfig, nil
}

// resolveContext returns the client context selected by the --context
// flag, falling back to the current context.
func resolveContext() (*cli.Context, error) {
	cfg, err := GetConfig()
	if err != nil {
		return nil, err
	}
	return cfg.ResolveContext(contextName)
}

// IsVerbose returns whether verbose mode is enabled.
func IsVerbose() bool {
	return verbose
}
