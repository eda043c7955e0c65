// Package version holds build metadata injected with -ldflags.
package version

var (
	Version   = "dev"     // Semantic version, set via ldflags
	GitCommit = "unknown" // Git SHA, set via ldflags
	BuildTime = "unknown" // Build timestamp, set via ldflags
)

// String is the --version output.
func String() string {
	return Version + " (" + GitCommit + ", built " + BuildTime + ")"
}

// UserAgent identifies repocar in outgoing requests.
func UserAgent() string {
	return "repocar/" + Version + " (+https://github.com/jazware/repocar)"
}
