package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ent0n29/memoria/internal/config"
	"github.com/ent0n29/memoria/internal/observability"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

// cli carries state shared by every subcommand.
type cli struct {
	verbose    bool
	configFile string
	envFiles   []string

	cfg    config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "memoria",
		Short: "memoria - memory-enabled chat assistant backend",
		Long: `memoria authenticates users, persists conversations and feeds each
user's history and profile into a language-model completion service.

Run without arguments to start the HTTP server.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return c.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.logger != nil {
				_ = c.logger.Sync()
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.serve(cmd.Context())
		},
	}

	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "Enable verbose logging")
	root.PersistentFlags().StringVar(&c.configFile, "config", "", "YAML config file (or set APP_CONFIG_FILE)")
	root.PersistentFlags().StringSliceVar(&c.envFiles, "env-file", []string{".env"}, "dotenv files loaded before the environment is read")

	root.AddCommand(
		newServeCmd(c),
		newUserCmd(c),
		newVersionCmd(),
	)
	return root
}

func (c *cli) setup() error {
	if err := config.LoadDotEnv(c.envFiles...); err != nil {
		return err
	}
	var (
		cfg config.Config
		err error
	)
	if strings.TrimSpace(c.configFile) != "" {
		cfg, err = config.LoadFile(c.configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogFormat, c.verbose)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.logger = logger
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
