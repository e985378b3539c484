// Package version provides build and program version information for Lightopedia.
package version

import (
	"fmt"
	"runtime"
)

// Version is the current version of Lightopedia.
// Set via ldflags at build time, or defaults to dev.
var Version = "dev"

// Build information set via ldflags at build time.
var (
	// Commit is the git commit hash.
	Commit = "unknown"

	// Date is the build date in RFC3339 format.
	Date = "unknown"

	// GoVersion is the Go version used to build the binary (set at runtime).
	GoVersion = runtime.Version()
)

// Pinned program versions. Every qa_log row records these; a behavior change
// in routing or retrieval requires a bump plus fresh golden-case coverage
// before it becomes the default.
const (
	// Router is the question-routing program version.
	Router = "router.v1.0"

	// Retrieval is the retrieval program version stamped on chunks and logs.
	Retrieval = "retrieval.v1.0"

	// Pipeline is the end-to-end ask pipeline version.
	Pipeline = "pipeline.v1.0"
)

// BuildInfo is structured version information for JSON output.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	Router    string `json:"router"`
	Retrieval string `json:"retrieval"`
	Pipeline  string `json:"pipeline"`
}

// String returns a formatted version string with all build info.
func String() string {
	return fmt.Sprintf("lightopedia %s (commit: %s, built: %s, go: %s)",
		Version, Commit, Date, GoVersion)
}

// Short returns only the version number.
func Short() string {
	return Version
}

// GetInfo returns structured version information.
func GetInfo() BuildInfo {
	return BuildInfo{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: GoVersion,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Router:    Router,
		Retrieval: Retrieval,
		Pipeline:  Pipeline,
	}
}
