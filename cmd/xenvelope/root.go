package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/trickstertwo/xenvelope/identity"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xlog/adapter/zerolog"
)

// errRejected makes the process exit 1 without printing an error line.
var errRejected = errors.New("rejected")

type globalFlags struct {
	configPath string
	logLevel   string
	console    bool
	seed       string
	index      uint32
	key        string
}

// app is the state shared by all commands once flags are parsed.
type app struct {
	flags  globalFlags
	cfg    Config
	logger *xlog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "xenvelope",
		Short:         "Build, sign, verify and exchange agent envelopes",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(a.flags.configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") || cfg.LogLevel == "" {
				cfg.LogLevel = a.flags.logLevel
			}
			if cmd.Flags().Changed("console") {
				cfg.Console = a.flags.console
			}
			if a.flags.seed != "" || a.flags.key != "" {
				cfg.Identity = IdentityConfig{Seed: a.flags.seed, Index: a.flags.index, PrivateKey: a.flags.key}
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = newLogger(cfg, cmd.ErrOrStderr())
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.configPath, "config", "", "YAML config file")
	pf.StringVar(&a.flags.logLevel, "log-level", "info", "log level: debug|info|warn|error")
	pf.BoolVar(&a.flags.console, "console", false, "human-readable console logs")
	pf.StringVar(&a.flags.seed, "seed", "", "derive the identity from this seed phrase")
	pf.Uint32Var(&a.flags.index, "index", 0, "key index used with --seed")
	pf.StringVar(&a.flags.key, "key", "", "hex-encoded private key")

	root.AddCommand(
		a.addressCmd(),
		a.digestCmd(),
		a.signCmd(),
		a.verifyCmd(),
		a.encodeCmd(),
		a.decodeCmd(),
		a.sendCmd(),
		a.listenCmd(),
	)
	return root
}

func newLogger(cfg Config, w io.Writer) *xlog.Logger {
	zc := zerolog.Config{
		MinLevel:          xlog.LevelInfo,
		Console:           cfg.Console,
		ConsoleTimeFormat: time.RFC3339,
		Writer:            w,
	}
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		zc.MinLevel = xlog.LevelDebug
	case "warn", "warning":
		zc.MinLevel = xlog.LevelWarn
	case "error":
		zc.MinLevel = xlog.LevelError
	}
	return zerolog.Use(zc).With(xlog.Str("app", "xenvelope"))
}

func (a *app) identity() (*identity.Identity, error) {
	return a.cfg.Identity.loadIdentity()
}

func (a *app) addressCmd() *cobra.Command {
	var generate bool
	cmd := &cobra.Command{
		Use:   "address",
		Short: "Print the agent address of an identity",
		Long: `Print the agent address derived from --seed/--index, --key or the config file.

Examples:
  xenvelope address --seed "alice secret"
  xenvelope address --generate`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				id  *identity.Identity
				err error
			)
			if generate {
				id, err = identity.Generate()
			} else {
				id, err = a.identity()
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, id.Address())
			if generate {
				fmt.Fprintln(out, id.PrivateKeyHex())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&generate, "generate", false, "create a random identity and also print its private key")
	return cmd
}

// readInput reads the first argument as a file, or stdin when absent or "-".
func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(args[0])
}
