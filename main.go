package main

import (
	"context"
	"errors"
	"os"

	"github.com/mermi/metrics-controller/cmd/root"
)

func main() {
	ctx := context.Background()

	if err := root.Execute(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]...); err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}
