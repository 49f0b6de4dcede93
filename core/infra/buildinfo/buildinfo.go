package buildinfo

import (
	"fmt"
	"runtime"

	"github.com/chatflow/chatflow/core/infra/logging"
)

// Set via -ldflags at release time.
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info returns a single-line build summary.
func Info() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", Version, Commit, Date)
}

// Log writes the build summary under the service's log component.
func Log(service string) {
	logging.Info(service, "build", "version", Version, "commit", Commit, "date", Date, "go", runtime.Version())
}
