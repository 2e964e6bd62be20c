package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/coursegrid/coursegrid/pkg/admin"
	"github.com/coursegrid/coursegrid/pkg/bootstrap"
	"github.com/coursegrid/coursegrid/pkg/config"
	"github.com/coursegrid/coursegrid/pkg/logging"
)

var errFailures = errors.New("one or more tenants failed")

type globalFlags struct {
	tenants     []string
	parallelism int
	open        opener
}

type runFunc func(ctx context.Context, cmds *admin.Commands, sel admin.Selection) (*admin.Report, error)

// opener builds the admin commands. The returned func releases what it
// opened.
type opener func(ctx context.Context, parallelism int) (*admin.Commands, *zap.Logger, func(), error)

func rootCmd(open opener) *cobra.Command {
	flags := &globalFlags{open: open}
	root := &cobra.Command{
		Use:           "tenantctl",
		Short:         "Operate on every tenant in the router directory",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringSliceVarP(&flags.tenants, "tenant", "t", nil, "tenancy or database name to act on (repeatable, default all)")
	root.PersistentFlags().IntVarP(&flags.parallelism, "parallelism", "p", 0, "tenants processed at once (default from config)")

	root.AddCommand(
		command(flags, admin.CommandCreateDB, "Create missing tenant databases",
			func(ctx context.Context, cmds *admin.Commands, sel admin.Selection) (*admin.Report, error) {
				return cmds.CreateDatabases(ctx, sel)
			}),
		addConnectionCmd(flags),
		command(flags, admin.CommandMigrateAll, "Migrate tenant schemas to the latest version",
			func(ctx context.Context, cmds *admin.Commands, sel admin.Selection) (*admin.Report, error) {
				return cmds.MigrateAll(ctx, sel)
			}),
		backMigrateCmd(flags),
		command(flags, admin.CommandPolicies, "Seed permission policies and grants",
			func(ctx context.Context, cmds *admin.Commands, sel admin.Selection) (*admin.Report, error) {
				return cmds.PopulatePolicies(ctx, sel)
			}),
		command(flags, admin.CommandUserRoles, "Seed default user roles",
			func(ctx context.Context, cmds *admin.Commands, sel admin.Selection) (*admin.Report, error) {
				return cmds.PopulateUserRoles(ctx, sel)
			}),
		deleteTenantsCmd(flags),
	)
	return root
}

func command(flags *globalFlags, use, short string, fn runFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return execute(cmd, flags, fn)
		},
	}
}

func addConnectionCmd(flags *globalFlags) *cobra.Command {
	var conn admin.Connection
	cmd := command(flags, admin.CommandAddConnection, "Register tenant connections and check they answer", nil)
	cmd.RunE = func(c *cobra.Command, _ []string) error {
		var override *admin.Connection
		if conn != (admin.Connection{}) {
			override = &conn
		}
		return execute(c, flags, func(ctx context.Context, cmds *admin.Commands, sel admin.Selection) (*admin.Report, error) {
			return cmds.AddConnections(ctx, sel, override)
		})
	}
	cmd.Flags().StringVar(&conn.Host, "host", "", "rewrite the stored host")
	cmd.Flags().IntVar(&conn.Port, "port", 0, "rewrite the stored port")
	cmd.Flags().StringVar(&conn.User, "user", "", "rewrite the stored user")
	cmd.Flags().StringVar(&conn.Password, "password", "", "rewrite the stored password")
	cmd.Flags().StringVar(&conn.SSLMode, "ssl-mode", "", "rewrite the stored sslmode")
	return cmd
}

func backMigrateCmd(flags *globalFlags) *cobra.Command {
	var version int64
	cmd := command(flags, admin.CommandBackMigrateAll, "Roll tenant schemas back to a version", nil)
	cmd.RunE = func(c *cobra.Command, _ []string) error {
		return execute(c, flags, func(ctx context.Context, cmds *admin.Commands, sel admin.Selection) (*admin.Report, error) {
			return cmds.BackMigrateAll(ctx, sel, version)
		})
	}
	cmd.Flags().Int64Var(&version, "version", -1, "target schema version")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func deleteTenantsCmd(flags *globalFlags) *cobra.Command {
	var drop bool
	cmd := command(flags, admin.CommandDeleteTenants, "Purge tenants (soft-deleted ones when none are named)", nil)
	cmd.RunE = func(c *cobra.Command, _ []string) error {
		return execute(c, flags, func(ctx context.Context, cmds *admin.Commands, sel admin.Selection) (*admin.Report, error) {
			return cmds.DeleteTenants(ctx, sel, drop)
		})
	}
	cmd.Flags().BoolVar(&drop, "drop", false, "also drop the tenant databases")
	return cmd
}

func execute(cmd *cobra.Command, flags *globalFlags, fn runFunc) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmds, logger, release, err := flags.open(ctx, flags.parallelism)
	if err != nil {
		return err
	}
	defer release()
	return run(ctx, cmd, cmds, admin.Selection(flags.tenants), fn, logger)
}

// run applies fn and prints its report. A partial failure returns
// errFailures so the exit status is non-zero.
func run(ctx context.Context, cmd *cobra.Command, cmds *admin.Commands, sel admin.Selection, fn runFunc, logger *zap.Logger) error {
	report, err := fn(ctx, cmds, sel)
	if report != nil {
		printReport(cmd.OutOrStdout(), report)
	}
	if err != nil {
		logger.Error("command failed", zap.String("command", cmd.Name()), zap.Error(err))
		if report != nil {
			return fmt.Errorf("%s: %w", cmd.Name(), errFailures)
		}
		return err
	}
	return nil
}

// openCore loads the configuration and builds the commands over a
// bootstrapped core.
func openCore(ctx context.Context, parallelism int) (*admin.Commands, *zap.Logger, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	logger, err := logging.New(cfg.Logging, "tenantctl")
	if err != nil {
		return nil, nil, nil, err
	}
	core, err := bootstrap.New(ctx, cfg, logger, bootstrap.Options{})
	if err != nil {
		_ = logger.Sync()
		return nil, nil, nil, err
	}

	if parallelism <= 0 {
		parallelism = cfg.Admin.Parallelism
	}
	cmds := admin.New(admin.Deps{
		Gateway:     core.Gateway,
		Admin:       core.Admin,
		Migrator:    core.Migrator,
		Seeder:      core.Seeder,
		Service:     core.Service,
		Locker:      core.Locker,
		Bus:         core.Bus,
		Parallelism: parallelism,
		Logger:      logger,
	})
	release := func() {
		_ = core.Close()
		_ = logger.Sync()
	}
	return cmds, logger, release, nil
}

func printReport(out io.Writer, report *admin.Report) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TENANT\tDATABASE\tRESULT\tTOOK")
	for _, o := range report.Outcomes {
		result := "ok"
		switch {
		case o.Err != nil:
			result = "failed: " + o.Err.Error()
		case o.Skipped != "":
			result = "skipped: " + o.Skipped
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", o.TenancyName, o.DBName, result, o.Took.Round(time.Millisecond))
	}
	_ = w.Flush()
	fmt.Fprintf(out, "%s: %d tenants, %d failed\n", report.Command, len(report.Outcomes), len(report.Failed()))
}
