package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRosterCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "roster",
		Short: "Manage groups and members",
	}
	cmd.AddCommand(newRosterGroupAddCommand(opts))
	cmd.AddCommand(newRosterGroupListCommand(opts))
	cmd.AddCommand(newRosterMemberAddCommand(opts))
	cmd.AddCommand(newRosterMemberTransferCommand(opts))
	cmd.AddCommand(newRosterMembersCommand(opts))
	return cmd
}

func newRosterGroupAddCommand(opts *RootOptions) *cobra.Command {
	var (
		name string
		kind string
	)
	cmd := &cobra.Command{
		Use:   "group-add",
		Short: "Create a group",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := OpenApp(opts)
			if err != nil {
				return err
			}
			defer app.Close()

			g, err := app.Roster.CreateGroup(cmd.Context(), opts.Actor(), name, kind)
			if err != nil {
				return opts.Formatter(cmd).Fail(err)
			}
			return opts.Formatter(cmd).Success(g)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "group name")
	cmd.Flags().StringVar(&kind, "kind", "", "group kind (defaults to platoon)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newRosterGroupListCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "List groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := OpenApp(opts)
			if err != nil {
				return err
			}
			defer app.Close()

			gs, err := app.Roster.ListGroups(cmd.Context(), opts.Actor())
			if err != nil {
				return opts.Formatter(cmd).Fail(err)
			}
			if opts.Format == "json" {
				return opts.Formatter(cmd).Success(gs)
			}
			for _, g := range gs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-10s %s\n", g.ID, g.Kind, g.Name)
			}
			return nil
		},
	}
	return cmd
}

func newRosterMemberAddCommand(opts *RootOptions) *cobra.Command {
	var (
		firstName string
		lastName  string
		birthday  string
		groupID   string
	)
	cmd := &cobra.Command{
		Use:   "member-add",
		Short: "Create a member in a group",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := OpenApp(opts)
			if err != nil {
				return err
			}
			defer app.Close()

			m, err := app.Roster.CreateMember(cmd.Context(), opts.Actor(), firstName, lastName, birthday, groupID)
			if err != nil {
				return opts.Formatter(cmd).Fail(err)
			}
			return opts.Formatter(cmd).Success(m)
		},
	}
	cmd.Flags().StringVar(&firstName, "first-name", "", "first name")
	cmd.Flags().StringVar(&lastName, "last-name", "", "last name")
	cmd.Flags().StringVar(&birthday, "birthday", "", "birthday (YYYY-MM-DD, optional)")
	cmd.Flags().StringVar(&groupID, "group", "", "group id")
	_ = cmd.MarkFlagRequired("first-name")
	_ = cmd.MarkFlagRequired("last-name")
	_ = cmd.MarkFlagRequired("group")
	return cmd
}

func newRosterMemberTransferCommand(opts *RootOptions) *cobra.Command {
	var (
		memberID string
		toGroup  string
	)
	cmd := &cobra.Command{
		Use:   "member-transfer",
		Short: "Move a member to another group",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := OpenApp(opts)
			if err != nil {
				return err
			}
			defer app.Close()

			m, err := app.Roster.TransferMember(cmd.Context(), opts.Actor(), memberID, toGroup)
			if err != nil {
				return opts.Formatter(cmd).Fail(err)
			}
			return opts.Formatter(cmd).Success(m)
		},
	}
	cmd.Flags().StringVar(&memberID, "member", "", "member id")
	cmd.Flags().StringVar(&toGroup, "to-group", "", "destination group id")
	_ = cmd.MarkFlagRequired("member")
	_ = cmd.MarkFlagRequired("to-group")
	return cmd
}

func newRosterMembersCommand(opts *RootOptions) *cobra.Command {
	var groupID string
	cmd := &cobra.Command{
		Use:   "members",
		Short: "List a group's current members",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := OpenApp(opts)
			if err != nil {
				return err
			}
			defer app.Close()

			ms, err := app.Roster.GroupMembers(cmd.Context(), opts.Actor(), groupID)
			if err != nil {
				return opts.Formatter(cmd).Fail(err)
			}
			if opts.Format == "json" {
				return opts.Formatter(cmd).Success(ms)
			}
			for _, m := range ms {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s, %s\n", m.ID, m.LastName, m.FirstName)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&groupID, "group", "", "group id")
	_ = cmd.MarkFlagRequired("group")
	return cmd
}
