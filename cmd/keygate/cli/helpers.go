package cli

import (
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/keygatehq/keygate/internal/store"
)

// dataDir holds the --data-dir persistent flag value (set on root command).
var dataDir string

// resolveDataDir returns the data directory from the --data-dir flag,
// KEYGATE_DATA_DIR env var, or ~/.keygate as fallback.
func resolveDataDir() string {
	if dataDir != "" {
		return dataDir
	}
	if envDir := os.Getenv("KEYGATE_DATA_DIR"); envDir != "" {
		return envDir
	}
	home, _ := os.UserHomeDir()
	return home + "/.keygate"
}

// openStore opens the key store configured via flags, config file, or env.
// Defaults to an embedded SQLite database under the data directory.
func openStore() (*store.Store, error) {
	driver := viper.GetString("store.driver")
	if driver == "" {
		driver = "sqlite"
	}
	dsn := viper.GetString("store.dsn")
	if driver == "sqlite" && dsn == "" {
		dsn = resolveDataDir()
	}
	return store.Open(driver, dsn)
}

// keyPrefix returns the configured key prefix for issued credentials.
func keyPrefix() string {
	if p := viper.GetString("auth.key_prefix"); p != "" {
		return p
	}
	return "folio_"
}

// versionString returns a display version string.
func versionString(version string) string {
	if version == "" || version == "dev" {
		return "dev"
	}
	if strings.HasPrefix(version, "v") {
		return version
	}
	return "v" + version
}
