package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"muxd/internal/config"
	"muxd/internal/usermgmt"
)

func usersCmd() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage the SSH user database",
		Long: `Manage the accounts SSH sessions authenticate against.

Examples:
  muxd users add alice
  muxd users add alice s3cret
  muxd users passwd alice
  muxd users disable alice
  muxd users list`,
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "User database path (default in the config directory)")

	open := func(cmd *cobra.Command) (*usermgmt.Manager, error) {
		path := dbPath
		if path == "" {
			cfg, err := config.Load()
			if err != nil {
				return nil, err
			}
			path = cfg.UserDBPath
		}
		return usermgmt.NewManager(path, cmd.InOrStdin(), cmd.OutOrStdout())
	}

	// userAction builds a subcommand that applies fn to one username.
	userAction := func(use, short, done string, fn func(*usermgmt.Manager, string) error) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <username>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				um, err := open(cmd)
				if err != nil {
					return err
				}
				if err := fn(um, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "User '%s' %s.\n", args[0], done)
				return nil
			},
		}
	}

	add := &cobra.Command{
		Use:   "add <username> [password]",
		Short: "Add a user (prompts for the password when omitted)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			um, err := open(cmd)
			if err != nil {
				return err
			}
			var password string
			if len(args) == 2 {
				password = args[1]
			}
			if err := um.AddUser(args[0], password); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "User '%s' added.\n", args[0])
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List all users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			um, err := open(cmd)
			if err != nil {
				return err
			}
			um.ListUsers()
			return nil
		},
	}

	backup := &cobra.Command{
		Use:   "backup <file>",
		Short: "Copy the user database to file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			um, err := open(cmd)
			if err != nil {
				return err
			}
			if err := um.BackupUsers(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "User database backed up to '%s'.\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(
		add,
		list,
		backup,
		userAction("remove", "Remove a user", "removed", (*usermgmt.Manager).RemoveUser),
		userAction("enable", "Enable a user account", "enabled", (*usermgmt.Manager).EnableUser),
		userAction("disable", "Disable a user account", "disabled", (*usermgmt.Manager).DisableUser),
		userAction("passwd", "Change a user's password (prompts)", "updated", (*usermgmt.Manager).ChangePassword),
	)
	return cmd
}
