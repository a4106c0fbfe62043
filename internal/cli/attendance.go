package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/muster-io/muster/internal/attendance"
)

func newAttendanceCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attendance",
		Short: "Record and inspect attendance",
	}
	cmd.AddCommand(newAttendanceTakeCommand(opts))
	cmd.AddCommand(newAttendanceMarkCommand(opts))
	cmd.AddCommand(newAttendanceRosterCommand(opts))
	cmd.AddCommand(newAttendanceSummaryCommand(opts))
	return cmd
}

func newAttendanceTakeCommand(opts *RootOptions) *cobra.Command {
	var (
		groupID  string
		windowID string
		count    int
	)
	cmd := &cobra.Command{
		Use:   "take",
		Short: "Record a group's headcount for a window",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := OpenApp(opts)
			if err != nil {
				return err
			}
			defer app.Close()

			rec, err := app.Attendance.RecordGroupCount(cmd.Context(), opts.Actor(), groupID, windowID, count)
			if err != nil {
				return opts.Formatter(cmd).Fail(err)
			}
			return opts.Formatter(cmd).Success(rec)
		},
	}
	cmd.Flags().StringVar(&groupID, "group", "", "group id")
	cmd.Flags().StringVar(&windowID, "window", "", "window id")
	cmd.Flags().IntVar(&count, "count", 0, "headcount")
	_ = cmd.MarkFlagRequired("group")
	_ = cmd.MarkFlagRequired("window")
	_ = cmd.MarkFlagRequired("count")
	return cmd
}

func newAttendanceMarkCommand(opts *RootOptions) *cobra.Command {
	var (
		memberID string
		groupID  string
		windowID string
		status   string
		notes    string
	)
	cmd := &cobra.Command{
		Use:   "mark",
		Short: "Mark one member present or absent",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := OpenApp(opts)
			if err != nil {
				return err
			}
			defer app.Close()

			rec, err := app.Attendance.MarkMember(cmd.Context(), opts.Actor(), attendance.MarkParams{
				MemberID: memberID,
				GroupID:  groupID,
				WindowID: windowID,
				Status:   attendance.Status(status),
				Notes:    notes,
			})
			if err != nil {
				return opts.Formatter(cmd).Fail(err)
			}
			return opts.Formatter(cmd).Success(rec)
		},
	}
	cmd.Flags().StringVar(&memberID, "member", "", "member id")
	cmd.Flags().StringVar(&groupID, "group", "", "group id the member belongs to")
	cmd.Flags().StringVar(&windowID, "window", "", "window id")
	cmd.Flags().StringVar(&status, "status", "", "present or absent")
	cmd.Flags().StringVar(&notes, "notes", "", "optional note")
	_ = cmd.MarkFlagRequired("member")
	_ = cmd.MarkFlagRequired("group")
	_ = cmd.MarkFlagRequired("window")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func newAttendanceRosterCommand(opts *RootOptions) *cobra.Command {
	var (
		groupID  string
		windowID string
	)
	cmd := &cobra.Command{
		Use:   "roster",
		Short: "Show a group's members with their marks for a window",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := OpenApp(opts)
			if err != nil {
				return err
			}
			defer app.Close()

			roster, err := app.Attendance.GroupRoster(cmd.Context(), opts.Actor(), groupID, windowID)
			if err != nil {
				return opts.Formatter(cmd).Fail(err)
			}
			if opts.Format == "json" {
				return opts.Formatter(cmd).Success(roster)
			}
			for _, e := range roster.Entries {
				status := "unmarked"
				if e.Marked {
					status = string(e.Status)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-10s %s, %s\n", status, e.LastName, e.FirstName)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "present=%d absent=%d unmarked=%d\n",
				roster.Present, roster.Absent, roster.Unmarked)
			return nil
		},
	}
	cmd.Flags().StringVar(&groupID, "group", "", "group id")
	cmd.Flags().StringVar(&windowID, "window", "", "window id")
	_ = cmd.MarkFlagRequired("group")
	_ = cmd.MarkFlagRequired("window")
	return cmd
}

func newAttendanceSummaryCommand(opts *RootOptions) *cobra.Command {
	var windowID string
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Show a window's total and per-group counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := OpenApp(opts)
			if err != nil {
				return err
			}
			defer app.Close()

			sum, err := app.Attendance.Summary(cmd.Context(), opts.Actor(), windowID)
			if err != nil {
				return opts.Formatter(cmd).Fail(err)
			}
			return opts.Formatter(cmd).Success(sum)
		},
	}
	cmd.Flags().StringVar(&windowID, "window", "", "window id")
	_ = cmd.MarkFlagRequired("window")
	return cmd
}
