// Command attic is the command-line front end of the attic object store.
package main

import "github.com/mesh-intelligence/attic/internal/cli"

func main() {
	cli.Execute()
}
