package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/muster-io/muster/internal/attendance"
)

func newWindowCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "window",
		Short: "Manage attendance windows",
	}
	cmd.AddCommand(newWindowOpenCommand(opts))
	cmd.AddCommand(newWindowCloseCommand(opts))
	cmd.AddCommand(newWindowCurrentCommand(opts))
	cmd.AddCommand(newWindowListCommand(opts))
	return cmd
}

func newWindowOpenCommand(opts *RootOptions) *cobra.Command {
	var (
		cycleDate string
		opensAt   string
		closesAt  string
	)
	cmd := &cobra.Command{
		Use:   "open",
		Short: "Open a submission window for a cycle date",
		RunE: func(cmd *cobra.Command, args []string) error {
			opens, err := time.Parse(time.RFC3339, opensAt)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --opens-at, want RFC 3339", err)
			}
			closes, err := time.Parse(time.RFC3339, closesAt)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --closes-at, want RFC 3339", err)
			}

			app, err := OpenApp(opts)
			if err != nil {
				return err
			}
			defer app.Close()

			w, err := app.Attendance.OpenWindow(cmd.Context(), opts.Actor(), cycleDate, opens, closes)
			if err != nil {
				return opts.Formatter(cmd).Fail(err)
			}
			return opts.Formatter(cmd).Success(w)
		},
	}
	cmd.Flags().StringVar(&cycleDate, "cycle-date", "", "cycle date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opensAt, "opens-at", "", "opening time (RFC 3339)")
	cmd.Flags().StringVar(&closesAt, "closes-at", "", "closing time (RFC 3339)")
	_ = cmd.MarkFlagRequired("cycle-date")
	_ = cmd.MarkFlagRequired("opens-at")
	_ = cmd.MarkFlagRequired("closes-at")
	return cmd
}

func newWindowCloseCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "close <window-id>",
		Short: "Close a window early",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := OpenApp(opts)
			if err != nil {
				return err
			}
			defer app.Close()

			w, err := app.Attendance.CloseWindow(cmd.Context(), opts.Actor(), args[0])
			if err != nil {
				return opts.Formatter(cmd).Fail(err)
			}
			return opts.Formatter(cmd).Success(w)
		},
	}
	return cmd
}

func newWindowCurrentCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "current",
		Short: "Show the currently open window, if any",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := OpenApp(opts)
			if err != nil {
				return err
			}
			defer app.Close()

			w, err := app.Attendance.CurrentWindow(cmd.Context(), opts.Actor())
			if err != nil {
				return opts.Formatter(cmd).Fail(err)
			}
			if w == nil {
				if opts.Format == "json" {
					return opts.Formatter(cmd).Success(nil)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "no open window")
				return nil
			}
			return opts.Formatter(cmd).Success(w)
		},
	}
	return cmd
}

func newWindowListCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List windows, most recent cycle first",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := OpenApp(opts)
			if err != nil {
				return err
			}
			defer app.Close()

			ws, err := app.Attendance.ListWindows(cmd.Context(), opts.Actor())
			if err != nil {
				return opts.Formatter(cmd).Fail(err)
			}
			if opts.Format == "json" {
				return opts.Formatter(cmd).Success(ws)
			}
			now := time.Now().UTC()
			for _, w := range ws {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s .. %s  [%s]\n",
					w.ID, w.CycleDate,
					w.OpensAt.Format(time.RFC3339), w.ClosesAt.Format(time.RFC3339),
					attendance.State(w, now))
			}
			return nil
		},
	}
	return cmd
}
