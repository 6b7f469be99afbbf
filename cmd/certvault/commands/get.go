package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/systmms/certvault/pkg/naming"
	"github.com/systmms/certvault/pkg/vaultsession"
)

func NewGetCommand(app *App) *cobra.Command {
	var (
		scope      string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "get NAME",
		Short: "Get a single secret value",
		Long: `Retrieve and display a single secret value.

The secret read from the vault is <app>-<scope>--NAME. By default only the
raw value is printed, making it suitable for scripting.

Examples:
  # Read myapp-AzureDbSettings--ConnectionString
  certvault get ConnectionString --app myapp --scope AzureDbSettings

  # Value with its full name in JSON format
  certvault get ConnectionString --scope AzureDbSettings --json

  # Use in scripts
  export DB_URL=$(certvault get ConnectionString --scope AzureDbSettings)`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			return app.withSession(cmd, func(ctx context.Context, s *vaultsession.Session, inv invocation) error {
				effectiveScope := inv.Settings.ConfigScope
				var opts []vaultsession.GetOption
				if scope != "" {
					effectiveScope = scope
					opts = append(opts, vaultsession.WithScope(scope))
				}

				value, err := s.GetSecret(ctx, name, opts...)
				if err != nil {
					return err
				}

				if !jsonOutput {
					_, err := fmt.Fprint(out(cmd), value)
					return err
				}

				fullName, _ := naming.BuildFullName(inv.CallerID, effectiveScope, name)
				output := map[string]interface{}{
					"name":      name,
					"scope":     effectiveScope,
					"full_name": fullName,
					"value":     value,
				}
				encoder := json.NewEncoder(out(cmd))
				encoder.SetIndent("", "  ")
				if err := encoder.Encode(output); err != nil {
					return fmt.Errorf("failed to encode JSON: %w", err)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&scope, "scope", "", "Config scope (default: KEYVAULT_CONFIG_SCOPE)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format with the full secret name")

	return cmd
}
