package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/muster-io/muster/internal/distribution"
)

func newDistributionCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "distribution",
		Short: "Confirm batches and allocate resources",
	}
	cmd.AddCommand(newDistributionConfirmCommand(opts))
	cmd.AddCommand(newDistributionAllocateCommand(opts))
	cmd.AddCommand(newDistributionOverviewCommand(opts))
	cmd.AddCommand(newDistributionGroupsCommand(opts))
	return cmd
}

func newDistributionConfirmCommand(opts *RootOptions) *cobra.Command {
	var (
		windowID   string
		totalFood  int
		totalWater int
	)
	cmd := &cobra.Command{
		Use:   "confirm",
		Short: "Confirm a batch of received resources for a window",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := OpenApp(opts)
			if err != nil {
				return err
			}
			defer app.Close()

			b, err := app.Distribution.ConfirmReceipt(cmd.Context(), opts.Actor(), windowID, totalFood, totalWater)
			if err != nil {
				return opts.Formatter(cmd).Fail(err)
			}
			return opts.Formatter(cmd).Success(b)
		},
	}
	cmd.Flags().StringVar(&windowID, "window", "", "window id")
	cmd.Flags().IntVar(&totalFood, "food", 0, "total food received")
	cmd.Flags().IntVar(&totalWater, "water", 0, "total water received")
	_ = cmd.MarkFlagRequired("window")
	return cmd
}

func newDistributionAllocateCommand(opts *RootOptions) *cobra.Command {
	var (
		batchID string
		groupID string
		food    int
		water   int
		typ     string
	)
	cmd := &cobra.Command{
		Use:   "allocate",
		Short: "Allocate a portion of a batch to one group",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := OpenApp(opts)
			if err != nil {
				return err
			}
			defer app.Close()

			a, err := app.Distribution.Allocate(cmd.Context(), opts.Actor(), distribution.AllocateParams{
				BatchID: batchID,
				GroupID: groupID,
				Food:    food,
				Water:   water,
				Type:    distribution.AllocationType(typ),
			})
			if err != nil {
				return opts.Formatter(cmd).Fail(err)
			}
			return opts.Formatter(cmd).Success(a)
		},
	}
	cmd.Flags().StringVar(&batchID, "batch", "", "batch id")
	cmd.Flags().StringVar(&groupID, "group", "", "group id")
	cmd.Flags().IntVar(&food, "food", 0, "food to allocate")
	cmd.Flags().IntVar(&water, "water", 0, "water to allocate")
	cmd.Flags().StringVar(&typ, "type", string(distribution.AllocationCustom), "equal, attendance_based or custom")
	_ = cmd.MarkFlagRequired("batch")
	_ = cmd.MarkFlagRequired("group")
	return cmd
}

func newDistributionOverviewCommand(opts *RootOptions) *cobra.Command {
	var batchID string
	cmd := &cobra.Command{
		Use:   "overview",
		Short: "Show a batch's totals, allocations and remaining balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := OpenApp(opts)
			if err != nil {
				return err
			}
			defer app.Close()

			actor := opts.Actor()
			if batchID == "" {
				cur, err := app.Distribution.CurrentBatch(cmd.Context(), actor)
				if err != nil {
					return opts.Formatter(cmd).Fail(err)
				}
				if cur == nil {
					return opts.Formatter(cmd).Fail(
						fmt.Errorf("no current batch; pass --batch"))
				}
				batchID = cur.ID
			}

			ov, err := app.Distribution.Overview(cmd.Context(), actor, batchID)
			if err != nil {
				return opts.Formatter(cmd).Fail(err)
			}
			if opts.Format == "json" {
				return opts.Formatter(cmd).Success(ov)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "batch %s (window %s)\n", ov.Batch.ID, ov.Batch.WindowID)
			fmt.Fprintf(cmd.OutOrStdout(), "food:  received=%d allocated=%d remaining=%d\n",
				ov.Food.Received, ov.Food.Allocated, ov.Food.Remaining)
			fmt.Fprintf(cmd.OutOrStdout(), "water: received=%d allocated=%d remaining=%d\n",
				ov.Water.Received, ov.Water.Allocated, ov.Water.Remaining)
			return nil
		},
	}
	cmd.Flags().StringVar(&batchID, "batch", "", "batch id (defaults to the current batch)")
	return cmd
}

func newDistributionGroupsCommand(opts *RootOptions) *cobra.Command {
	var batchID string
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "Show every group's attendance and allocation for a batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := OpenApp(opts)
			if err != nil {
				return err
			}
			defer app.Close()

			infos, err := app.Distribution.GroupsWithAttendance(cmd.Context(), opts.Actor(), batchID)
			if err != nil {
				return opts.Formatter(cmd).Fail(err)
			}
			if opts.Format == "json" {
				return opts.Formatter(cmd).Success(infos)
			}
			for _, gi := range infos {
				alloc := "-"
				if gi.Allocation != nil {
					alloc = fmt.Sprintf("food=%d water=%d", gi.Allocation.Food, gi.Allocation.Water)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s count=%d present=%d absent=%d unmarked=%d  %s\n",
					gi.GroupName, gi.GroupCount, gi.Present, gi.Absent, gi.Unmarked, alloc)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&batchID, "batch", "", "batch id")
	_ = cmd.MarkFlagRequired("batch")
	return cmd
}
