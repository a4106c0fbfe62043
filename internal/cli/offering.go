package cli

import (
	"github.com/spf13/cobra"
)

func newOfferingCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "offering",
		Short: "Record and sum offerings",
	}
	cmd.AddCommand(newOfferingRecordCommand(opts))
	cmd.AddCommand(newOfferingTotalsCommand(opts))
	return cmd
}

func newOfferingRecordCommand(opts *RootOptions) *cobra.Command {
	var (
		groupID  string
		windowID string
		offering int
		tithe    int
	)
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a group's collection for a window",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := OpenApp(opts)
			if err != nil {
				return err
			}
			defer app.Close()

			rec, err := app.Offerings.Record(cmd.Context(), opts.Actor(), groupID, windowID, offering, tithe)
			if err != nil {
				return opts.Formatter(cmd).Fail(err)
			}
			return opts.Formatter(cmd).Success(rec)
		},
	}
	cmd.Flags().StringVar(&groupID, "group", "", "group id")
	cmd.Flags().StringVar(&windowID, "window", "", "window id")
	cmd.Flags().IntVar(&offering, "offering", 0, "offering amount in minor units")
	cmd.Flags().IntVar(&tithe, "tithe", 0, "tithe amount in minor units")
	_ = cmd.MarkFlagRequired("group")
	_ = cmd.MarkFlagRequired("window")
	return cmd
}

func newOfferingTotalsCommand(opts *RootOptions) *cobra.Command {
	var (
		groupID  string
		windowID string
	)
	cmd := &cobra.Command{
		Use:   "totals",
		Short: "Sum offerings, optionally filtered by group or window",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := OpenApp(opts)
			if err != nil {
				return err
			}
			defer app.Close()

			t, err := app.Offerings.Totals(cmd.Context(), opts.Actor(), groupID, windowID)
			if err != nil {
				return opts.Formatter(cmd).Fail(err)
			}
			return opts.Formatter(cmd).Success(t)
		},
	}
	cmd.Flags().StringVar(&groupID, "group", "", "restrict to one group")
	cmd.Flags().StringVar(&windowID, "window", "", "restrict to one window")
	return cmd
}
