// Package version holds build identity, overridden at link time:
//
//	go build -ldflags "-X github.com/atlashq/dispatch/internal/version.Version=v1.2.3"
package version

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)
