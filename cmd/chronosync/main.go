// Package main is the entry point for the chronosync command line client.
package main

import (
	"os"

	"github.com/chronodesk/chronosync/cmd/chronosync/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
