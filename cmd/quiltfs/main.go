package main

import (
	"fmt"
	"os"

	"github.com/quiltfs/quiltfs/cmd/quiltfs/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
