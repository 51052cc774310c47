// Package main is the entry point for vzcli.
package main

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/javanstorm/vzcli/internal/cli"
)

func init() {
	// The graphics window must run on the main thread.
	runtime.LockOSThread()
}

func main() {
	code, err := cli.Execute(context.Background(), os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(code)
}
