// Package cli implements the attic command-line interface.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/attic/internal/logging"
	"github.com/mesh-intelligence/attic/pkg/attic"
	"github.com/mesh-intelligence/attic/pkg/types"
)

// Exit codes.
const (
	exitSuccess   = 0
	exitUserError = 1
	exitSysError  = 2
)

// rootFlags holds global flag values accessible to all subcommands.
type rootFlags struct {
	configDir   string
	dataDir     string
	jsonMode    bool
	as          string
	roles       []string
	logLevel    string
	metricsFile string
}

var flags rootFlags

// NewRootCmd creates the top-level "attic" command with global flags
// and all subcommands registered.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "attic",
		Short: "An object store over a relational backend",
		Long: "Attic stores typed objects as entity-attribute-value rows in SQLite or\n" +
			"Postgres, with schemes, hierarchy, permissions and delete archives.",
		Version: attic.Version,
		// Do not print usage on errors returned by subcommands.
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.configDir, "config-dir", "", "configuration directory (default: $XDG_CONFIG_HOME/attic)")
	root.PersistentFlags().StringVar(&flags.dataDir, "data-dir", "", "data directory (default: $(CWD)/.attic-data)")
	root.PersistentFlags().BoolVar(&flags.jsonMode, "json", false, "output in JSON format")
	root.PersistentFlags().StringVar(&flags.as, "as", "", "act as this user (default: the system subject)")
	root.PersistentFlags().StringSliceVar(&flags.roles, "role", nil, "roles of the --as user")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level (overrides config)")
	root.PersistentFlags().StringVar(&flags.metricsFile, "metrics-file", "", "write Prometheus metrics to this file on exit")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newSchemeCmd())
	root.AddCommand(newPutCmd())
	root.AddCommand(newGetCmd())
	root.AddCommand(newDeleteCmd())
	root.AddCommand(newRestoreCmd())
	root.AddCommand(newArchiveCmd())
	root.AddCommand(newQueryCmd())
	root.AddCommand(newTreeCmd())
	root.AddCommand(newMoveCmd())
	root.AddCommand(newGrantCmd())
	root.AddCommand(newRevokeCmd())
	root.AddCommand(newGrantsCmd())
	root.AddCommand(newCanCmd())
	root.AddCommand(newExportCmd())

	return root
}

// Execute runs the root command and exits with the appropriate code.
func Execute() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	root := NewRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(stderr, "attic:", err)
		return exitCode(err)
	}
	return exitSuccess
}

// sysError marks failures of the environment rather than of the request.
type sysError struct{ err error }

func (e *sysError) Error() string { return e.err.Error() }
func (e *sysError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var se *sysError
	if errors.As(err, &se) {
		return exitSysError
	}
	return exitUserError
}

// env is what a command body works with.
type env struct {
	store *attic.Store
	se    *attic.Session
	out   io.Writer
}

// withStore loads the configuration, opens the store and runs fn with a
// session for the --as subject. Metrics are written after fn when
// --metrics-file is set.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, e *env) error) (err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := resolveConfig()
	if err != nil {
		return &sysError{err}
	}
	log, err := logging.New(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	s, err := attic.Open(ctx, cfg, attic.WithLogger(log))
	if err != nil {
		if types.KindOf(err) == "" {
			return &sysError{err}
		}
		return err
	}
	defer func() {
		if flags.metricsFile != "" {
			if werr := s.Metrics().WriteTextfile(flags.metricsFile); werr != nil && err == nil {
				err = &sysError{werr}
			}
		}
		if cerr := s.Close(); cerr != nil && err == nil {
			err = &sysError{cerr}
		}
	}()
	return fn(ctx, &env{store: s, se: s.Session(subject()), out: cmd.OutOrStdout()})
}

func subject() types.Subject {
	if flags.as == "" {
		return types.System()
	}
	return types.User(flags.as, flags.roles...)
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
