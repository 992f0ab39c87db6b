package main

import (
	"flag"
	"log"
	"os"

	"github.com/gueridon/backend/internal/mock"
)

// mockagent is a drop-in for the real agent binary during development:
// point agent.command (or GUERIDON_AGENT) at it and the broker exercises
// its full pipeline against scripted turns.
func main() {
	flag.String("output-format", "stream-json", "Output format (accepted for compatibility)")
	flag.String("input-format", "stream-json", "Input format (accepted for compatibility)")
	flag.Bool("verbose", false, "Verbose output (accepted for compatibility)")
	resume := flag.String("resume", "", "Resume the given session id")
	flag.Parse()

	cwd, err := os.Getwd()
	if err != nil {
		log.Fatalf("resolving working directory: %v", err)
	}

	agent := mock.NewAgent(cwd, *resume)
	if err := agent.Run(os.Stdin, os.Stdout); err != nil {
		log.Fatalf("mock agent: %v", err)
	}
}
