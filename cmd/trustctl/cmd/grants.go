package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/REVIVEINC6/nino360-sub015/pkg/flac"
)

func init() {
	rootCmd.AddCommand(grantsCmd)
	grantsCmd.AddCommand(grantsListCmd, grantsSetCmd, grantsRevokeCmd)
	rootCmd.AddCommand(resolveCmd)

	grantsListCmd.Flags().String("resource-type", "", "Only list grants of this resource type")

	resolveCmd.Flags().StringSlice("roles", nil, "Evaluate for this role set")
	resolveCmd.Flags().String("member", "", "Evaluate for the roles this user holds in the tenant")
	resolveCmd.MarkFlagsMutuallyExclusive("roles", "member")
	resolveCmd.MarkFlagsOneRequired("roles", "member")
}

var grantsCmd = &cobra.Command{
	Use:   "grants",
	Short: "Manage field permission grants",
}

var grantsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the tenant's grants",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, err := requireTenant()
		if err != nil {
			return err
		}
		resourceType, _ := cmd.Flags().GetString("resource-type")

		resp, err := newClient(cmd).ListGrants(cmd.Context(), tenant, resourceType)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if handled, err := formatOutput(out, resp.Grants); handled {
			return err
		}
		if len(resp.Grants) == 0 {
			fmt.Fprintln(out, "No grants.")
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "RESOURCE TYPE\tFIELD\tROLE\tLEVEL\tUPDATED BY")
		for _, g := range resp.Grants {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", g.ResourceType, g.FieldName, g.Role, g.Level, g.UpdatedBy)
		}
		return w.Flush()
	},
}

var grantsSetCmd = &cobra.Command{
	Use:   "set <resource-type> <field|*> <role> <none|read|read_write>",
	Short: "Create or update a grant",
	Long: `Create or update the grant for one field and role.

Use * as the field to grant a level on every field of the resource type;
field-specific grants still take precedence over it.

Examples:
  trustctl grants set hr_employees salary hr_manager read_write -t acme
  trustctl grants set hr_employees '*' staff read -t acme`,
	Args: cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, err := requireTenant()
		if err != nil {
			return err
		}
		level, err := flac.ParseLevel(args[3])
		if err != nil {
			return err
		}

		grant, err := newClient(cmd).SetGrant(cmd.Context(), flac.Grant{
			TenantID:     tenant,
			ResourceType: args[0],
			FieldName:    args[1],
			Role:         args[2],
			Level:        level,
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if handled, err := formatOutput(out, grant); handled {
			return err
		}
		fmt.Fprintf(out, "Granted %s on %s.%s to %s\n", grant.Level, grant.ResourceType, grant.FieldName, grant.Role)
		return nil
	},
}

var grantsRevokeCmd = &cobra.Command{
	Use:   "revoke <resource-type> <field|*> <role>",
	Short: "Delete a grant",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, err := requireTenant()
		if err != nil {
			return err
		}
		key := flac.GrantKey{TenantID: tenant, ResourceType: args[0], FieldName: args[1], Role: args[2]}
		if err := newClient(cmd).RevokeGrant(cmd.Context(), key); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s.%s from %s\n", key.ResourceType, key.FieldName, key.Role)
		return nil
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <resource-type> <field>...",
	Short: "Show effective field levels",
	Long: `Show the effective level of each field for a role set or a tenant member.

Examples:
  trustctl resolve hr_employees salary ssn --roles hr_manager -t acme
  trustctl resolve hr_employees salary --member u-42 -t acme`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, err := requireTenant()
		if err != nil {
			return err
		}
		roles, _ := cmd.Flags().GetStringSlice("roles")
		member, _ := cmd.Flags().GetString("member")

		resp, err := newClient(cmd).Resolve(cmd.Context(), tenant, flac.ResolveRequest{
			ResourceType: args[0],
			Fields:       args[1:],
			Roles:        roles,
			UserID:       member,
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if handled, err := formatOutput(out, resp); handled {
			return err
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "FIELD\tLEVEL")
		for _, field := range args[1:] {
			fmt.Fprintf(w, "%s\t%s\n", field, resp.Levels[field])
		}
		return w.Flush()
	},
}
