// Command v6ledger serves and maintains the IPv6 address inventory.
package main

import "github.com/anstrom/v6ledger/cmd/cli"

// Set via -ldflags "-X main.version=... -X main.commit=... -X main.buildTime=...".
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildTime)
	cli.Execute()
}
