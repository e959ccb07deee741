// Command powermem-substrate runs maintenance passes and the background loops
// of the memory substrate against a configured record store.
package main

import (
	"os"
)

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
