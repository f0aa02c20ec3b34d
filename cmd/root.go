// cmd/root.go
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/aceteam-ai/talktime/internal/config"
)

var cfgFile string
var envFile string
var debugMode bool
var noColor bool

// cfg and logger are set by the root PersistentPreRunE for every subcommand
var (
	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "talktime",
	Short: "Talktime runs the metered session API and its task workers",
	Long: `Talktime meters live voice sessions against prepaid balances and runs
deferred work (session follow-ups) on a shared task queue.

  talktime serve   HTTP API, session meter and stale-session sweeper
  talktime work    task worker pool with reaper and health endpoint`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if noColor {
			color.NoColor = true
		}
		// A missing .env is normal in production.
		_ = godotenv.Load(envFile)

		var err error
		if logger, err = newLogger(debugMode); err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		if cfg, err = config.Load(cfgFile); err != nil {
			return err
		}

		if debugMode {
			fullCmd := cmd.CommandPath()
			cmd.Flags().Visit(func(f *pflag.Flag) {
				if f.Name == "debug" {
					return
				}
				fullCmd += " --" + f.Name + "=" + f.Value.String()
			})
			if len(args) > 0 {
				fullCmd += " " + strings.Join(args, " ")
			}
			logger.Debug("command", zap.String("cmd", fullCmd))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", getEnvOrDefault("TALKTIME_CONFIG", ""), "YAML config file (or set TALKTIME_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colorized output")
}

// getEnvOrDefault returns the value of an environment variable or a default value
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
