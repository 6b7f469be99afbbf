package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/systmms/certvault/pkg/vaultsession"
)

func NewListCommand(app *App) *cobra.Command {
	var scope string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List secret names visible to this application",
		Long: `List the secrets stored under <app>-<scope>--. Only the part after the
separator is printed, one name per line, so every line can be passed to
'certvault get'. Values are never read.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withSession(cmd, func(ctx context.Context, s *vaultsession.Session, _ invocation) error {
				var opts []vaultsession.GetOption
				if scope != "" {
					opts = append(opts, vaultsession.WithScope(scope))
				}

				names, err := s.ListSecrets(ctx, opts...)
				if err != nil {
					return err
				}
				if len(names) == 0 {
					app.Logger.Info("No secrets found")
					return nil
				}
				for _, name := range names {
					if _, err := fmt.Fprintln(out(cmd), name); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&scope, "scope", "", "Config scope (default: KEYVAULT_CONFIG_SCOPE)")

	return cmd
}
