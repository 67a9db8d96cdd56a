package main

import (
	"context"
	"fmt"
	"os"

	"github.com/keksclan/goRotate/internal/cli"
)

var version = "dev"

func main() {
	if err := cli.NewRootCommand(version).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "rotatectl:", err)
		os.Exit(1)
	}
}
