// Package main is the entry point for convertd.
package main

import (
	"os"

	"github.com/leftsky/left-tools-service-sub000/cmd/convertd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
