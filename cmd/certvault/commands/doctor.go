package commands

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/systmms/certvault/internal/config"
	"github.com/systmms/certvault/pkg/certstore"
	"github.com/systmms/certvault/pkg/vaultsession"
)

// CheckResult is one row of the doctor report.
type CheckResult struct {
	Name   string
	OK     bool
	Detail string
}

func NewDoctorCommand(app *App) *cobra.Command {
	var scope string

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, certificate and vault access",
		Long: `Verify that certvault can read secrets for this application.

This command checks:
- KEYVAULT_* settings and the optional config file
- The caller identity used to build secret names
- The client certificate in the certificate store
- Authentication to the vault and, when a scope is set, listing secrets

No secret values are read.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			results := app.runChecks(cmd, scope)
			displayCheckResults(cmd, results)

			passed := 0
			for _, r := range results {
				if r.OK {
					passed++
				}
			}
			_, _ = fmt.Fprintf(out(cmd), "\nSummary: %d/%d checks passed\n", passed, len(results))
			if passed < len(results) {
				return fmt.Errorf("some checks failed")
			}
			app.Logger.Info("✓ All checks passed")
			return nil
		},
	}

	cmd.Flags().StringVar(&scope, "scope", "", "Config scope to list (default: KEYVAULT_CONFIG_SCOPE)")

	return cmd
}

// runChecks stops at the first failure; later checks depend on earlier ones.
func (a *App) runChecks(cmd *cobra.Command, scope string) []CheckResult {
	var results []CheckResult
	fail := func(name string, err error) []CheckResult {
		return append(results, CheckResult{Name: name, Detail: err.Error()})
	}

	settings, callerID, err := a.loadSettings()
	if err != nil {
		return fail("configuration", err)
	}
	results = append(results,
		CheckResult{Name: "configuration", OK: true, Detail: settings.EffectiveVaultURL()},
		CheckResult{Name: "caller identity", OK: true, Detail: callerID},
	)

	backends, err := a.Backends(settings, a.Logger)
	if err != nil {
		return fail("backends", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), settings.Timeout())
	defer cancel()

	result := checkCertificate(ctx, backends.Certificates, settings)
	results = append(results, result)
	if !result.OK {
		return results
	}

	if scope == "" {
		scope = settings.ConfigScope
	}

	// Without a scope there is no namespace to list; opening the session
	// still proves the certificate authenticates.
	var count int
	err = vaultsession.With(ctx, settings.SessionConfig(callerID), func(ctx context.Context, s *vaultsession.Session) error {
		if scope == "" {
			return nil
		}
		names, err := s.ListSecrets(ctx, vaultsession.WithScope(scope))
		count = len(names)
		return err
	},
		vaultsession.WithCertificateStore(backends.Certificates),
		vaultsession.WithExporter(backends.Exporter),
		vaultsession.WithSecretStore(backends.Vault),
		vaultsession.WithLogger(a.Logger),
	)
	if err != nil && !vaultsession.IsCleanupOnly(err) {
		return fail("vault access", err)
	}

	detail := "authenticated; no scope set, listing skipped"
	if scope != "" {
		detail = fmt.Sprintf("%d secrets visible in scope %s", count, scope)
	}
	results = append(results, CheckResult{Name: "vault access", OK: true, Detail: detail})
	if err != nil {
		results = append(results, CheckResult{Name: "cleanup", Detail: err.Error()})
	}
	return results
}

func checkCertificate(ctx context.Context, store certstore.Store, settings *config.Settings) CheckResult {
	const name = "certificate"

	thumbprint, err := certstore.ParseThumbprint(settings.Thumbprint)
	if err != nil {
		return CheckResult{Name: name, Detail: err.Error()}
	}
	handle, err := store.FindByThumbprint(ctx, thumbprint)
	if err != nil {
		return CheckResult{Name: name, Detail: err.Error()}
	}

	detail := fmt.Sprintf("%s (%s)", handle.Subject, thumbprint.Short())
	if !handle.NotAfter.IsZero() {
		detail += ", expires " + handle.NotAfter.Format("2006-01-02")
	}
	return CheckResult{Name: name, OK: true, Detail: detail}
}

func displayCheckResults(cmd *cobra.Command, results []CheckResult) {
	w := tabwriter.NewWriter(out(cmd), 0, 0, 2, ' ', 0)

	_, _ = fmt.Fprintf(w, "CHECK\tSTATUS\tDETAIL\n")
	_, _ = fmt.Fprintf(w, "-----\t------\t------\n")

	for _, r := range results {
		status := "✓ ok"
		if !r.OK {
			status = "✗ failed"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", r.Name, status, r.Detail)
	}

	_ = w.Flush()
}
