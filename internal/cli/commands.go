package cli

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	runtimepkg "github.com/drblury/teeflow/internal/runtime"
	errspkg "github.com/drblury/teeflow/internal/runtime/errors"
	"github.com/drblury/teeflow/internal/runtime/handlers"
	loggingpkg "github.com/drblury/teeflow/internal/runtime/logging"
	"github.com/drblury/teeflow/internal/runtime/pipeline"
	"github.com/drblury/teeflow/savers"
	"github.com/drblury/teeflow/store"
)

func (a *app) parseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "parse NAME PATH",
		Short: "Run parser NAME once on the raw snapshot stored at PATH",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			svc, err := a.service(parserRegistry())
			if err != nil {
				return err
			}
			result, err := svc.Runner.Run(cmd.Context(), args[0], raw)
			if err != nil {
				return fmt.Errorf("parser %s: %w", args[0], err)
			}
			return a.printResult(cmd, svc.Runner, result)
		},
	}
}

func (a *app) printResult(cmd *cobra.Command, runner *runtimepkg.PluginRunner, result any) error {
	payload, err := runner.Encode(result)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(payload))
	return err
}

func (a *app) runParserCommand() *cobra.Command {
	var publisher string
	cmd := &cobra.Command{
		Use:   "run-parser NAME URL",
		Short: "Consume raw snapshots at URL and publish the results of parser NAME",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, uri := args[0], args[1]
			if err := requirePair(cmd, uri, publisher); err != nil {
				return err
			}
			svc, err := a.service(parserRegistry())
			if err != nil {
				return err
			}
			svc.Start(cmd.Context())
			_, err = svc.Runner.RunWithURI(cmd.Context(), name, uri, publisher, true)
			return err
		},
	}
	cmd.Flags().StringVarP(&publisher, "publisher", "p", "", "publish results here instead of URL")
	return cmd
}

func (a *app) saveCommand() *cobra.Command {
	var database string
	cmd := &cobra.Command{
		Use:   "save NAME PATH",
		Short: "Run saver NAME once on the parsed result stored at PATH",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if database == "" {
				database = a.conf.DatabaseURI
			}
			raw, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			db, err := a.connect(cmd, database)
			if err != nil {
				return err
			}
			defer db.Close()

			svc, err := a.service(saverRegistry())
			if err != nil {
				return err
			}
			if _, err := svc.Runner.Run(store.NewContext(cmd.Context(), db), args[0], raw); err != nil {
				return fmt.Errorf("saver %s: %w", args[0], err)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&database, "database", "d", "", "database URI, e.g. sqlite://snapshots.db")
	return cmd
}

func (a *app) runSaverCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run-saver DB URL",
		Short: "Consume parsed results at URL and save them into DB",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requirePair(cmd, args[1]); err != nil {
				return err
			}
			db, err := a.connect(cmd, args[0])
			if err != nil {
				return err
			}
			defer db.Close()

			svc, err := a.service(saverRegistry())
			if err != nil {
				return err
			}
			svc.Start(cmd.Context())

			sink := savers.DBSink(db)
			var tees []*pipeline.Tee
			for _, target := range svc.Runner.Registry().Targets() {
				tee, err := svc.Runner.RunSink(cmd.Context(), target, args[1], sink, false)
				if err != nil {
					a.logger.Error("Failed to start saver", err, loggingpkg.LogFields{"target": target})
					continue
				}
				tees = append(tees, tee)
			}
			if len(tees) == 0 {
				return errors.New("no saver could be started")
			}
			err = svc.Runner.Supervise(cmd.Context(), tees...)
			a.logger.Info("Stopped all savers", nil)
			return err
		},
	}
}

// connect opens the snapshot database, failing with ExitUnavailable for
// unknown schemes.
func (a *app) connect(cmd *cobra.Command, uri string) (*store.Store, error) {
	db, err := store.Connect(cmd.Context(), uri)
	if errors.Is(err, errspkg.ErrNoDatabase) {
		fmt.Fprintf(cmd.ErrOrStderr(), "Error: no DB for url %s\n", uri)
		return nil, &exitError{code: ExitUnavailable, msg: err.Error()}
	}
	return db, err
}

func (a *app) handlersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "handlers",
		Short: "List the registered parsers and savers with their topics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ROLE\tNAME\tTARGET\tKIND\tCONSUMES\tPUBLISHES")
			for _, role := range []struct {
				name     string
				registry *handlers.Registry
				sink     bool
			}{
				{"parser", parserRegistry(), false},
				{"saver", saverRegistry(), true},
			} {
				for _, rec := range role.registry.Handlers() {
					parsed := pipeline.ParsedTopic(a.conf.RawTopic, rec.Target)
					consumes, publishes := a.conf.RawTopic, parsed
					if role.sink {
						consumes, publishes = parsed, "-"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", role.name, rec.Name, rec.Target, rec.Kind, consumes, publishes)
				}
			}
			return w.Flush()
		},
	}
}

func (a *app) publishCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "publish URL PATH",
		Short: "Publish the raw snapshot stored at PATH to the raw topic at URL",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requirePair(cmd, args[0]); err != nil {
				return err
			}
			raw, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			svc, err := a.service(parserRegistry())
			if err != nil {
				return err
			}
			return svc.Runner.Publish(cmd.Context(), args[0], raw)
		},
	}
}
