package cli

import (
	"fmt"
	"os"

	"github.com/harun/personakit/internal/config"
	"github.com/spf13/cobra"
)

var (
	configureForce bool
	configureShow  bool
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Run interactive configuration wizard",
	Long: `Run an interactive configuration wizard to set up PersonaKit.
It asks for the model provider, API key, budget, storage backend and log
level. An existing file is only replaced with --force; --show prints the
effective configuration with secrets masked.`,
	Args: cobra.NoArgs,
	RunE: runConfigure,
}

func init() {
	configureCmd.Flags().BoolVar(&configureForce, "force", false, "overwrite an existing config file")
	configureCmd.Flags().BoolVar(&configureShow, "show", false, "print the effective configuration and exit")
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	loader := config.NewLoader(cfgFile)
	path := loader.GetConfigPath()

	if configureShow {
		cfg, err := loader.Load()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "# %s\n%s\n", path, cfg)
		return nil
	}

	if _, err := os.Stat(path); err == nil && !configureForce {
		return fmt.Errorf("config file %s already exists; use --force to overwrite it", path)
	}

	cfg, err := config.NewWizardWithIO(cmd.InOrStdin(), out).Run()
	if err != nil {
		return fmt.Errorf("configuration failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintf(out, "\nConfiguration saved to: %s\n", path)
	fmt.Fprintln(out, "\nPut persona files in the agents directory, then try: personakit run <agent-id> \"<command>\"")
	return nil
}
