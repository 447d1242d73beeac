package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dropDatabas3/keywarden/internal/config"
	"github.com/dropDatabas3/keywarden/internal/keys"
	"github.com/dropDatabas3/keywarden/internal/rotation"
)

func rotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate <service>",
		Short: "Rotación dual-key zero-downtime para un servicio",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := setup(ctx)
			if err != nil {
				return err
			}
			defer d.closeFn()
			defer func() { _ = d.log.Sync() }()

			rc := d.cfg.Rotation
			orch := rotation.New(d.store, d.registry, d.pub, d.mon, d.clk, d.log, rotation.Config{
				PropagationWindow: config.Dur(rc.PropagationWindow, 0),
				PollInterval:      config.Dur(rc.PollInterval, 0),
				MaxPolls:          rc.MaxPolls,
				MonitorWindow:     config.Dur(rc.MonitorWindow, 0),
				FailureThreshold:  rc.FailureThreshold,
				MarkerGrace:       config.Dur(rc.MarkerGrace, 0),
				KeyTTL:            config.Dur(rc.KeyTTL, 0),
			})

			rep, rerr := orch.Rotate(ctx, args[0])
			printJSON(rep)
			if rerr != nil {
				d.log.Error("rotation failed", zap.String("service", args[0]), zap.Error(rerr))
				return rerr
			}
			if rep.Verdict != keys.VerdictPass {
				return fmt.Errorf("rotation finished with verdict %s", rep.Verdict)
			}
			return nil
		},
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
