package main

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/dropDatabas3/keywarden/internal/config"
	pgstore "github.com/dropDatabas3/keywarden/internal/store/pg"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Aplicar el esquema de Postgres (idempotente)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagEnvFile != "" {
				_ = godotenv.Load(flagEnvFile)
			}
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			if cfg.Storage.Driver != "postgres" {
				return fmt.Errorf("migrate solo aplica al driver postgres (actual: %s)", cfg.Storage.Driver)
			}

			ctx := cmd.Context()
			st, err := pgstore.Open(ctx, cfg.Storage.Postgres.DSN)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.Migrate(ctx); err != nil {
				return err
			}
			fmt.Println("migrations applied")
			return nil
		},
	}
}
