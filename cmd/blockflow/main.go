// Package main implements the blockflow CLI tool
package main

import (
	"os"

	"github.com/davidroman0O/blockflow/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
