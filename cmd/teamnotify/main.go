// teamnotify - team notification dispatch
// License: MIT
//
// Copyright (c) 2026 teamnotify contributors

package main

import (
	"fmt"
	"os"
)

const version = "0.1.0"
const logo = "📣"

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
