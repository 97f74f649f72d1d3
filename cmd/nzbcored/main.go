// Command nzbcored runs the NZB ingest queue and on-demand Usenet
// streaming core as a standalone process: load configuration, open the
// database, dial the configured providers, and run QueueManager until
// interrupted. Transport (HTTP/WebDAV/UI) is out of scope; this binary
// exists to exercise the core end to end the way a caller embedding the
// packages directly would.
package main

import "github.com/nzbcore/nzbcore/cmd/nzbcored/cmd"

func main() {
	cmd.Execute()
}
