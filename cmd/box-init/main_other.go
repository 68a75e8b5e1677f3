//go:build !linux

package main

import (
	"fmt"
	"os"
)

func main() {
	fmt.Fprintln(os.Stderr, "box-init only runs as PID 1 inside a Linux guest")
	os.Exit(1)
}
