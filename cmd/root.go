package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/charla-io/charla/core/config"
	"github.com/charla-io/charla/observability"
	"github.com/charla-io/charla/pkg/crypto"
	"github.com/charla-io/charla/pkg/utils"
)

var rootCmd = &cobra.Command{
	Use:   "charla",
	Short: "Multi-tenant WhatsApp conversational automation platform",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg, err := config.LoadConfig()
		if err != nil {
			logrus.Fatalf("No se pudo cargar la configuración: %v", err)
		}

		observability.SetupLogger(cfg.Observability.LogLevel)

		if cfg.Security.EncryptionKey != "" {
			if err := crypto.SetEncryptionKey(cfg.Security.EncryptionKey); err != nil {
				logrus.Fatalf("Clave de cifrado inválida: %v", err)
			}
		}

		serverID := utils.GetPersistentServerID(cfg.App.ServerID, cfg.App.StoragePath)
		cfg.App.ServerID = serverID
		logrus.WithField("server_id", serverID).Info("[CMD] Configuración cargada")
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
