package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dropDatabas3/keywarden/internal/keys"
)

// statusView es lo que se imprime: nunca material privado.
type statusView struct {
	Service    string             `json:"service"`
	ActiveKID  string             `json:"activeKid"`
	PendingKID string             `json:"pendingKid,omitempty"`
	Revocation *keys.Revocation   `json:"revocation,omitempty"`
	Rotation   *keys.RotationMark `json:"rotation,omitempty"`
	Published  []publishedKey     `json:"published"`
}

type publishedKey struct {
	KID       string    `json:"kid"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Expired   bool      `json:"expired,omitempty"`
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <service>",
		Short: "Estado del secret y de las claves publicadas de un servicio",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := setup(ctx)
			if err != nil {
				return err
			}
			defer d.closeFn()

			sec, err := d.store.GetSecret(ctx, args[0])
			if errors.Is(err, keys.ErrNotFound) {
				return fmt.Errorf("service %q has no signing secret (run rotate to bootstrap)", args[0])
			}
			if err != nil {
				return err
			}

			view := statusView{
				Service:    sec.ServiceID,
				ActiveKID:  sec.ActiveKID,
				PendingKID: sec.PendingKID,
				Revocation: sec.Revocation,
				Rotation:   sec.Rotation,
			}
			recs, err := d.registry.ListPublicKeys(ctx, args[0])
			if err != nil {
				return err
			}
			now := d.clk.Now()
			for _, r := range recs {
				view.Published = append(view.Published, publishedKey{
					KID:       r.KID,
					CreatedAt: r.CreatedAt,
					ExpiresAt: r.ExpiresAt,
					Expired:   r.Expired(now),
				})
			}
			printJSON(view)
			return nil
		},
	}
}
