package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/REVIVEINC6/nino360-sub015/pkg/flac"
)

func init() {
	rootCmd.AddCommand(membersCmd)
	membersCmd.AddCommand(membersRolesCmd, membersAssignCmd, membersRemoveCmd)
}

var membersCmd = &cobra.Command{
	Use:   "members",
	Short: "Manage the roles users hold in a tenant",
}

var membersRolesCmd = &cobra.Command{
	Use:   "roles <user>",
	Short: "Show a member's roles",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, err := requireTenant()
		if err != nil {
			return err
		}
		resp, err := newClient(cmd).MemberRoles(cmd.Context(), tenant, args[0])
		if err != nil {
			return err
		}
		return printMemberRoles(cmd, resp)
	},
}

var membersAssignCmd = &cobra.Command{
	Use:   "assign <user> <role>",
	Short: "Give a member a role",
	Long: `Give a member a role in the tenant. Field grants held by the role apply
to the member from the next request on.

Examples:
  trustctl members assign u-42 hr_manager -t acme`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, err := requireTenant()
		if err != nil {
			return err
		}
		resp, err := newClient(cmd).AssignRole(cmd.Context(), tenant, args[0], args[1])
		if err != nil {
			return err
		}
		return printMemberRoles(cmd, resp)
	},
}

var membersRemoveCmd = &cobra.Command{
	Use:   "remove <user> <role>",
	Short: "Take a role away from a member",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, err := requireTenant()
		if err != nil {
			return err
		}
		resp, err := newClient(cmd).RemoveRole(cmd.Context(), tenant, args[0], args[1])
		if err != nil {
			return err
		}
		return printMemberRoles(cmd, resp)
	},
}

func printMemberRoles(cmd *cobra.Command, resp *flac.MemberRolesResponse) error {
	out := cmd.OutOrStdout()
	if handled, err := formatOutput(out, resp); handled {
		return err
	}
	if len(resp.Roles) == 0 {
		fmt.Fprintf(out, "%s holds no roles\n", resp.UserID)
		return nil
	}
	fmt.Fprintf(out, "%s: %s\n", resp.UserID, strings.Join(resp.Roles, ", "))
	return nil
}
