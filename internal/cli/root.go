// Package cli implements the teeflow command line.
package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	runtimepkg "github.com/drblury/teeflow/internal/runtime"
	configpkg "github.com/drblury/teeflow/internal/runtime/config"
	"github.com/drblury/teeflow/internal/runtime/handlers"
	loggingpkg "github.com/drblury/teeflow/internal/runtime/logging"
	"github.com/drblury/teeflow/parsers"
	"github.com/drblury/teeflow/savers"
	"github.com/drblury/teeflow/transport"
	_ "github.com/drblury/teeflow/transport/transports" // built-in schemes
)

// ExitUnavailable is the status reported when a URI names a scheme or
// database nothing serves.
const ExitUnavailable = -1

// Overridable for tests.
var (
	adapters       = func() *transport.Registry { return transport.DefaultRegistry }
	parserRegistry = func() *handlers.Registry { return parsers.Registry() }
	saverRegistry  = func() *handlers.Registry { return savers.Registry() }
	newLogger      = func(conf configpkg.Config) (loggingpkg.ServiceLogger, error) {
		zl, err := loggingpkg.NewZapLogger(conf.Logging.Level, conf.Logging.Format)
		if err != nil {
			return nil, err
		}
		return loggingpkg.NewZapServiceLogger(zl), nil
	}
)

// exitError carries a process exit status out of a command.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

type app struct {
	configPath string
	logLevel   string
	logFormat  string
	statusAddr string

	conf   configpkg.Config
	logger loggingpkg.ServiceLogger
}

// NewRootCommand builds the teeflow command tree.
func NewRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "teeflow",
		Short:         "Run parsers and savers between message brokers",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "YAML config file")
	flags.StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.StringVar(&a.logFormat, "log-format", "", "log format (console, json)")
	flags.StringVar(&a.statusAddr, "status-address", "", "serve health, handlers and metrics on this address")

	root.AddCommand(
		a.parseCommand(),
		a.runParserCommand(),
		a.saveCommand(),
		a.runSaverCommand(),
		a.handlersCommand(),
		a.publishCommand(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	conf, err := configpkg.Load(a.configPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("log-level") {
		conf.Logging.Level = a.logLevel
	}
	if cmd.Flags().Changed("log-format") {
		conf.Logging.Format = a.logFormat
	}
	if cmd.Flags().Changed("status-address") {
		conf.StatusAddress = a.statusAddr
	}
	logger, err := newLogger(conf)
	if err != nil {
		return err
	}
	a.conf = conf
	a.logger = logger
	return nil
}

// service builds a runner service over registry using the loaded config.
func (a *app) service(registry *handlers.Registry) (*runtimepkg.Service, error) {
	return runtimepkg.NewService(a.conf, a.logger, registry, runtimepkg.ServiceDependencies{
		Adapters: adapters(),
		Hooks:    runtimepkg.LoggingHooks(a.logger),
	})
}

// requirePair fails with ExitUnavailable unless uri can be both consumed
// and published to.
func requirePair(cmd *cobra.Command, uris ...string) error {
	registry := adapters()
	for _, uri := range uris {
		if uri == "" {
			continue
		}
		if !registry.HasDispatcher(uri) || !registry.HasConsumer(uri) {
			msg := fmt.Sprintf("no dispatcher/consumer pair for %s", transport.Scheme(uri))
			fmt.Fprintln(cmd.ErrOrStderr(), "Error: "+msg)
			return &exitError{code: ExitUnavailable, msg: msg}
		}
	}
	return nil
}

// Execute runs the command line with args and returns the process exit
// status.
func Execute(ctx context.Context, args []string) int {
	root := NewRootCommand()
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	fmt.Fprintln(root.ErrOrStderr(), "Error:", err)
	return 1
}
