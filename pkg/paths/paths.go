package paths

import (
	"os"
	"path/filepath"
)

const appDirName = "metrics-controller"

// GetConfigDir returns the directory holding config.yaml and the client id.
//
// If the home directory cannot be determined, it falls back to a directory
// under the system temporary directory.
func GetConfigDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Clean(filepath.Join(os.TempDir(), "."+appDirName+"-config"))
	}
	return filepath.Clean(filepath.Join(homeDir, ".config", appDirName))
}

// GetDataDir returns the directory where histograms and logs are persisted.
func GetDataDir() string {
	if dir := os.Getenv("METRICS_CONTROLLER_DATA_DIR"); dir != "" {
		return filepath.Clean(dir)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Clean(filepath.Join(os.TempDir(), "."+appDirName))
	}
	return filepath.Clean(filepath.Join(homeDir, ".local", "share", appDirName))
}
