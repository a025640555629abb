package logger_test

import (
	"fmt"
	"os"

	"github.com/pai-dev/orchestrator/pkg/logger"
)

func ExampleNew() {
	os.Setenv("DEBUG", "paictl:*")
	defer os.Unsetenv("DEBUG")

	log := logger.New("paictl:dispatcher")
	if log.Enabled() {
		fmt.Println("Logger is enabled")
	}

	// Output: Logger is enabled
}

func ExampleLogger_Printf() {
	os.Setenv("DEBUG", "*")
	defer os.Unsetenv("DEBUG")

	log := logger.New("paictl:dispatcher")
	log.Printf("claimed %d work items", 3)

	// Output to stderr: paictl:dispatcher claimed 3 work items
}

func ExampleLogger_LazyPrintf() {
	os.Setenv("DEBUG", "paictl:*")
	defer os.Unsetenv("DEBUG")

	log := logger.New("paictl:worker")

	// the closure only runs when the logger is actually enabled
	log.LazyPrintf(func() string {
		return fmt.Sprintf("session summary: %s", "completed item wi-42")
	})

	// Output to stderr: paictl:worker session summary: completed item wi-42
}

func ExampleNew_patterns() {
	// Enable every logger
	os.Setenv("DEBUG", "*")

	// Enable everything under one namespace
	os.Setenv("DEBUG", "dispatcher:*")

	// Enable several namespaces at once
	os.Setenv("DEBUG", "dispatcher:*,worker:*")

	// Enable everything except a namespace
	os.Setenv("DEBUG", "*,-worker:heartbeat")

	// Enable a namespace but carve out one exclusion
	os.Setenv("DEBUG", "dispatcher:*,-dispatcher:lease")

	defer os.Unsetenv("DEBUG")
}
