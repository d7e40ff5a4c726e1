package cmd

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/charla-io/charla/actions"
	"github.com/charla-io/charla/core/config"
	"github.com/charla-io/charla/core/database"
	"github.com/charla-io/charla/core/tenant"
	"github.com/charla-io/charla/ingestion"
	"github.com/charla-io/charla/router"
	"github.com/charla-io/charla/scheduler"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema and exit",
	Run: func(_ *cobra.Command, _ []string) {
		cfg := config.Global
		db, err := database.NewDatabase(cfg)
		if err != nil {
			logrus.Fatalf("No se pudo conectar a la base de datos: %v", err)
		}
		if err := runMigrations(cfg, db); err != nil {
			logrus.Fatalf("Migración fallida: %v", err)
		}
		logrus.Info("[CMD] Esquema aplicado")
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

// runMigrations applies every package's schema in dependency order.
func runMigrations(cfg *config.Config, db *gorm.DB) error {
	ctx := context.Background()

	if err := tenant.NewGormRepository(db).Init(ctx); err != nil {
		return err
	}
	if err := router.NewGormRepository(db, cfg.Database.StatementTimeout).Init(ctx); err != nil {
		return err
	}
	if err := ingestion.NewGormRepository(db, cfg.Database.StatementTimeout).Init(cfg.Embedding.Dimension); err != nil {
		return err
	}
	if err := scheduler.NewGormRepository(db).Init(); err != nil {
		return err
	}
	return actions.NewRepository(db).Init()
}
