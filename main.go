package main

import (
	"os"

	"portbuilder/internal/portbuilder"
)

func main() {
	os.Exit(portbuilder.Main())
}
