// Package cli is the cobra command tree for the muster tool.
//
// The CLI builds the actor from flags: credential verification happens
// upstream, so --actor, --role and --scopes are taken as verified input.
// Every command runs request-per-invocation against the shared database.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/muster-io/muster/internal/access"
	"github.com/muster-io/muster/internal/attendance"
	"github.com/muster-io/muster/internal/clock"
	"github.com/muster-io/muster/internal/config"
	"github.com/muster-io/muster/internal/distribution"
	"github.com/muster-io/muster/internal/notary"
	"github.com/muster-io/muster/internal/offerings"
	"github.com/muster-io/muster/internal/policy"
	"github.com/muster-io/muster/internal/roster"
	"github.com/muster-io/muster/internal/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	DBPath     string
	ConfigPath string
	ActorID    string
	Role       string
	Scopes     string
	Format     string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the muster CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "muster",
		Short:         "muster - attendance windows and distribution ledgers",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return WrapExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats), nil)
			}
			if opts.Role != "" {
				if _, err := access.ParseRole(opts.Role); err != nil {
					return WrapExitError(ExitCommandError, "invalid --role", err)
				}
			}
			return nil
		},
	}

	// Optional .env next to the working directory; flags still win.
	_ = godotenv.Load()

	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", os.Getenv("MUSTER_DB"), "path to the database file")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", os.Getenv("MUSTER_CONFIG"), "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.ActorID, "actor", "", "acting user id")
	cmd.PersistentFlags().StringVar(&opts.Role, "role", "", "acting user role")
	cmd.PersistentFlags().StringVar(&opts.Scopes, "scopes", "", "comma-separated group ids the actor leads")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newWindowCommand(opts))
	cmd.AddCommand(newAttendanceCommand(opts))
	cmd.AddCommand(newDistributionCommand(opts))
	cmd.AddCommand(newOfferingCommand(opts))
	cmd.AddCommand(newRosterCommand(opts))

	return cmd
}

// Actor builds the access context from the global flags. An empty --actor
// yields the anonymous context, which the policy rejects for every
// guarded action.
func (o *RootOptions) Actor() access.Context {
	if o.ActorID == "" {
		return access.Context{}
	}
	role, err := access.ParseRole(o.Role)
	if err != nil {
		return access.Context{}
	}
	var scopes []string
	if o.Scopes != "" {
		scopes = strings.Split(o.Scopes, ",")
	}
	return access.New(o.ActorID, role, scopes)
}

// Formatter builds the output formatter for a command.
func (o *RootOptions) Formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}

// App bundles the wired services behind one invocation.
type App struct {
	Store        *store.Store
	Attendance   *attendance.Service
	Distribution *distribution.Engine
	Offerings    *offerings.Service
	Roster       *roster.Service
	Notary       *notary.Notary
	Logger       *slog.Logger
}

// OpenApp loads the configuration and wires every service. Callers must
// Close when done.
func OpenApp(opts *RootOptions) (*App, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}
	dbPath := cfg.DBPath
	if opts.DBPath != "" {
		dbPath = opts.DBPath
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))

	st, err := store.Open(dbPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open database", err)
	}

	nt := notary.New(notary.NewStoreSink(st), logger, cfg.AuditQueue)
	pol := policy.NewRolePolicy()
	clk := clock.System{}

	return &App{
		Store:        st,
		Attendance:   attendance.NewService(st, pol, clk, nt, logger),
		Distribution: distribution.NewEngine(st, pol, clk, nt, logger),
		Offerings:    offerings.NewService(st, pol, clk, nt, logger),
		Roster:       roster.NewService(st, pol, clk, nt, logger),
		Notary:       nt,
		Logger:       logger,
	}, nil
}

// Close drains the notary, then closes the database.
func (a *App) Close() {
	a.Notary.Close()
	if err := a.Store.Close(); err != nil {
		a.Logger.Warn("closing database", "error", err)
	}
}
