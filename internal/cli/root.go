package cli

import (
	"context"
	"fmt"

	"github.com/harun/personakit/internal/config"
	"github.com/harun/personakit/internal/daemon"
	"github.com/harun/personakit/internal/logger"
	"github.com/spf13/cobra"
)

const version = daemon.Version

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "personakit",
	Short: "PersonaKit - persona-driven agent execution engine",
	Long: `PersonaKit runs persona-driven AI agents. An agent works a command through
a tool loop over a virtual document space, can pause to ask the user a
question, stays within a cost budget and can be saved and restored.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

// ExecuteContext runs the root command with ctx, cancelled on shutdown signals
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.personakit/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}

// loadConfig loads and validates the configuration, applying --log-level
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger, sending console output to the
// command's stderr
func newLogger(cmd *cobra.Command, cfg *config.Config) (*logger.Logger, error) {
	logCfg := logger.FromConfig(cfg.Logging)
	logCfg.Output = cmd.ErrOrStderr()
	log, err := logger.New(logCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return log, nil
}

// runtime is what a one-shot command needs to drive the engine in-process
type runtime struct {
	config     *config.Config
	logger     *logger.Logger
	components *daemon.Components
}

func openRuntime(cmd *cobra.Command) (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := newLogger(cmd, cfg)
	if err != nil {
		return nil, err
	}
	components, err := daemon.NewComponents(cfg, log.GetZerolog())
	if err != nil {
		log.Close()
		return nil, err
	}
	return &runtime{config: cfg, logger: log, components: components}, nil
}

func (r *runtime) Close() {
	if err := r.components.Close(); err != nil {
		log := r.logger.GetZerolog()
		log.Warn().Err(err).Msg("Failed to close components")
	}
	r.logger.Close()
}
