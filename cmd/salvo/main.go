package main

import (
	"fmt"
	"os"
	_ "time/tzdata"

	"github.com/yourneighborhoodchef/salvo/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "salvo:", err)
		os.Exit(cli.ExitCode(err))
	}
}
