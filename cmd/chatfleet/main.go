package main

import (
	"context"
	"fmt"
	"os"

	"github.com/ggoodman/chatfanout/internal/cli"
)

func main() {
	if err := cli.BuildCLI().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "chatfleet: %v\n", err)
		os.Exit(1)
	}
}
