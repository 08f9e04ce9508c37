package main

import (
	"context"
	"fmt"
	"os"

	"github.com/coralchain/bftnode/cmd/node/cli"
)

func main() {
	root := cli.NewRootCommand()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
