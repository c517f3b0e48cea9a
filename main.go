// Menace - Relational knowledge store for self-improving bot telemetry.
//
// Menace accumulates bot telemetry, memory entries and GPT insights into a
// weighted adjacency graph, tracking error pressure per code module.
package main

import (
	"fmt"
	"os"

	"github.com/Demi-urge/menace-self-coding/cmd"
)

func main() {
	cli := cmd.NewCLI()

	if err := cli.Execute(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
