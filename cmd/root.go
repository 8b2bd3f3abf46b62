// File: cmd/root.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/sessiontap/sessiontap/internal/browser"
	"github.com/sessiontap/sessiontap/internal/config"
	"github.com/sessiontap/sessiontap/internal/monitor"
	"github.com/sessiontap/sessiontap/internal/observability"
)

var cfgFile string

// rootCmd runs a full monitoring session: launch the requested engine,
// capture every network event, and flush the session log on shutdown.
var rootCmd = &cobra.Command{
	Use:   "sessiontap [target-url]",
	Short: "Record a browser session's network traffic and auth artifacts",
	Long: `sessiontap drives a controlled browser to the target URL, intercepts every
request and response across all frames, correlates them, and persists a
structured JSON session log plus a human-readable text log. Bearer tokens
and cookies observed during the session are summarized for replay.`,
	Version: Version,
	Args:    cobra.MaximumNArgs(1),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initializeConfig(cmd); err != nil {
			return fmt.Errorf("failed to initialize configuration: %w", err)
		}

		cfg, err := config.Load(viper.GetViper())
		if err != nil {
			observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "sessiontap"})
			return err
		}

		observability.InitializeLogger(cfg.Logger)
		loadedConfig = cfg
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadedConfig
		if len(args) == 1 {
			cfg.Session.TargetURL = args[0]
		}

		logger := observability.GetLogger()
		logger.Info("Starting sessiontap",
			zap.String("version", Version),
			zap.String("target", cfg.Session.TargetURL),
			zap.String("engine", cfg.Browser.Engine))

		manager := browser.NewManager(cfg, logger)
		controller := monitor.NewController(cfg, monitor.LauncherFunc(
			func(ctx context.Context) (monitor.BrowserSession, error) {
				return manager.Launch(ctx)
			}), logger)

		return controller.Run(cmd.Context())
	},
}

// loadedConfig is populated by PersistentPreRunE and consumed by the run
// functions. Scoped to the command layer only; everything below it receives
// the instance explicitly.
var loadedConfig *config.Config

// Execute adds all child commands to the root command and runs it with the
// context passed from main, so an interrupt cancels the session cleanly.
func Execute(ctx context.Context) error {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if logger := observability.GetLogger(); logger != nil {
			// Context cancellation is the normal shutdown path, not a failure.
			if ctx.Err() == nil {
				logger.Error("Command execution failed", zap.Error(err))
			}
		} else {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")

	rootCmd.Flags().String("engine", "", "browser engine: desktop-chrome | bundled-chromium | webkit | firefox")
	rootCmd.Flags().Bool("headless", false, "run the browser without a visible window")
	rootCmd.Flags().String("output-dir", "", "directory for the session log file pair")
	rootCmd.Flags().String("token-file", "", "write the freshest captured bearer token to this path")
	rootCmd.Flags().Duration("navigation-timeout", 0, "budget for the initial navigation to settle")

	rootCmd.AddCommand(newReplayCmd())
	rootCmd.AddCommand(versionCmd)
}

// initializeConfig reads in the config file and environment variables, then
// layers the invocation's flags on top.
func initializeConfig(cmd *cobra.Command) error {
	v := viper.GetViper()
	config.SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.config/sessiontap")
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("SESSIONTAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults and env carry the run.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	bindings := map[string]string{
		"engine":             "browser.engine",
		"headless":           "browser.headless",
		"output-dir":         "output.dir",
		"token-file":         "output.token_file",
		"navigation-timeout": "browser.navigation_timeout",
	}
	for flag, key := range bindings {
		if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
			if err := v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("binding flag %s: %w", flag, err)
			}
		}
	}
	return nil
}
