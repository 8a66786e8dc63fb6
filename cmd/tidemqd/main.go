// Command tidemqd runs the tidemq broker.
package main

import (
	"fmt"
	"os"

	"github.com/klenin/tidemq/cmd/tidemqd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
