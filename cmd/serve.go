package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/lkarlslund/zimageproxy/pkg/config"
	"github.com/lkarlslund/zimageproxy/pkg/proxy"
	"github.com/lkarlslund/zimageproxy/pkg/version"
	"github.com/lkarlslund/zimageproxy/pkg/wizard"
	"github.com/spf13/cobra"
)

var (
	serveConfigPath         string
	serveEnvFile            string
	serveListenAddrOverride string
	serveMasterKeyOverride  string
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(serveEnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("load env file %s: %w", serveEnvFile, err)
			}
			cfg, err := loadServeConfig(cmd)
			if err != nil {
				return err
			}
			cfg.ApplyEnv(os.LookupEnv)
			if cmd.Flags().Changed("listen-addr") {
				cfg.ListenAddr = serveListenAddrOverride
			}
			if cmd.Flags().Changed("master-key") {
				cfg.MasterKey = serveMasterKeyOverride
			}
			cfg.Normalize()
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			if cfg.AuthOpen() {
				slog.Warn("master_key is the open sentinel; image endpoints accept any caller")
			}
			slog.Info("starting", "version", version.String(), "upstream", cfg.Upstream.URL, "models", cfg.Models)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return proxy.NewServer(cfg).Run(ctx)
		},
	}
	serveCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")
	serveCmd.Flags().StringVar(&serveEnvFile, "env-file", ".env", "Environment file loaded before applying overrides")
	serveCmd.Flags().StringVar(&serveListenAddrOverride, "listen-addr", "", "Override listen address from config (e.g. 127.0.0.1:8080)")
	serveCmd.Flags().StringVar(&serveMasterKeyOverride, "master-key", "", "Override master_key from config")
	rootCmd.AddCommand(serveCmd)
}

// loadServeConfig runs the setup wizard on first start when a terminal is
// attached; otherwise a missing file means built-in defaults.
func loadServeConfig(cmd *cobra.Command) (*config.ServerConfig, error) {
	cfg, err := config.LoadServerConfig(serveConfigPath)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load server config: %w", err)
	}
	if !stdinIsTerminal() {
		slog.Info("no config file, using defaults", "path", serveConfigPath)
		return config.NewDefaultServerConfig(), nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "No server config found at %s. Running first-time setup wizard.\n", serveConfigPath)
	cfg = config.NewDefaultServerConfig()
	if err := wizard.RunServerWizard(cmd.InOrStdin(), cmd.OutOrStdout(), serveConfigPath, cfg); err != nil {
		return nil, fmt.Errorf("first-time setup failed: %w", err)
	}
	cfg, err = config.LoadServerConfig(serveConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load server config after setup: %w", err)
	}
	return cfg, nil
}

func stdinIsTerminal() bool {
	fi, err := os.Stdin.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}
