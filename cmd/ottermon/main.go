package main

import (
	"os"
)

var (
	VERSION = ""
)

func main() {
	if err := newRootCmd(VERSION).Execute(); err != nil {
		os.Exit(1)
	}
}
