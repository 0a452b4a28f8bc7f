//go:build mage
// +build mage

package main

import (
	"fmt"
	"os"
	"os/exec"
)

const (
	serverBinary = "signal-server"
	dockerImage  = "classmesh/signal-server"
)

func run(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// Build compiles the signaling server into ./bin.
func Build() error {
	return run("go", "build", "-o", fmt.Sprintf("bin/%s", serverBinary), "./cmd/signal-server")
}

// Test runs the whole test suite with the race detector.
func Test() error {
	return run("go", "test", "-race", "./...")
}

// Docker builds the server container image.
func Docker() error {
	return run("docker", "build", "-t", dockerImage, ".")
}

// Clean removes build output and the local room store.
func Clean() error {
	if err := os.RemoveAll("bin"); err != nil {
		return err
	}
	return os.RemoveAll(".data")
}
