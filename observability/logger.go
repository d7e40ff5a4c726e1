package observability

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/sirupsen/logrus"
)

// SetupLogger configures the global logrus instance from LOG_LEVEL.
func SetupLogger(level string) {
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}

// WorkspaceHash bounds metric label cardinality: logs carry the full
// workspace id, metrics only its first 8 hex chars of SHA-256.
func WorkspaceHash(workspaceID string) string {
	if workspaceID == "" {
		return "none"
	}
	sum := sha256.Sum256([]byte(workspaceID))
	return hex.EncodeToString(sum[:4])
}
