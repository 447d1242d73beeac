package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dropDatabas3/keywarden/internal/config"
	"github.com/dropDatabas3/keywarden/internal/keys"
	"github.com/dropDatabas3/keywarden/internal/revocation"
)

func revokeCmd() *cobra.Command {
	var reason string
	var strictWait bool

	cmd := &cobra.Command{
		Use:   "revoke <service>",
		Short: "Revocación de emergencia: reemplaza la clave activa sin overlap",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if reason == "" {
				return fmt.Errorf("--reason es obligatorio: una revocación sin motivo no se audita")
			}
			ctx := cmd.Context()
			d, err := setup(ctx)
			if err != nil {
				return err
			}
			defer d.closeFn()
			defer func() { _ = d.log.Sync() }()

			vc := d.cfg.Revocation
			// El propio publisher actúa de verifier local: confirma que el JWKS
			// servido acepta la clave nueva y rechaza la revocada.
			verifiers := []revocation.Verifier{
				revocation.NewDocumentVerifier("local-jwks", d.pub, args[0]),
			}
			orch := revocation.New(d.store, d.registry, d.pub, d.flusher, verifiers, d.mon, d.clk, d.log, revocation.Config{
				SLA:         config.Dur(vc.SLA, 0),
				StepTimeout: config.Dur(vc.StepTimeout, 0),
				StrictWait:  vc.StrictWait || strictWait,
			})

			rep, rerr := orch.Revoke(ctx, args[0], reason)
			printJSON(rep)
			if rerr != nil {
				d.log.Error("revocation failed", zap.String("service", args[0]), zap.Error(rerr))
				return rerr
			}
			if rep.Verdict == keys.VerdictFailed {
				return fmt.Errorf("revocation finished with verdict %s", rep.Verdict)
			}
			// DEGRADED_SAFE sale con 0: la clave ya no firma, el resto es limpieza.
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "motivo de la revocación (obligatorio)")
	cmd.Flags().BoolVar(&strictWait, "strict-wait", false, "exigir ventana limpia del monitor antes del PASS")
	return cmd
}
