package transmit

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"

	"github.com/mermi/metrics-controller/pkg/logging"
)

// loadClientID returns the anonymous client id stored at path, creating it
// on first use. If the id cannot be saved, a fresh one is still returned so
// uploads keep working; it just won't survive a restart.
func loadClientID(path string, logger *logging.Logger) string {
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id
		}
	}

	id := uuid.New().String()
	if err := saveClientID(path, id); err != nil {
		logger.Warn("Failed to save client id, it will change on restart", "path", path, "error", err)
	}
	return id
}

func saveClientID(path, id string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return atomic.WriteFile(path, strings.NewReader(id))
}
