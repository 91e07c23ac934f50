package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/lkarlslund/zimageproxy/pkg/config"
	"github.com/lkarlslund/zimageproxy/pkg/wizard"
	"github.com/spf13/cobra"
)

var configServerPath string

func init() {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Run server configuration wizard",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig(configServerPath)
			if err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("load server config: %w", err)
				}
				cfg = config.NewDefaultServerConfig()
			}
			if err := wizard.RunServerWizard(cmd.InOrStdin(), cmd.OutOrStdout(), configServerPath, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %s\n", configServerPath)
			return nil
		},
	}
	configCmd.Flags().StringVar(&configServerPath, "server-config", config.DefaultServerConfigPath(), "Server config TOML path")
	rootCmd.AddCommand(configCmd)
}
