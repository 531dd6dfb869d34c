// Circuit-gateway is a reliability gateway that fronts chat-completion
// providers with auth, rate limiting, spend quotas, a circuit breaker,
// retries, and fallback dispatch behind an OpenAI-wire-compatible API.
package main

import (
	"flag"
	"fmt"
	"os"
)

var version = "dev"

func main() {
	tuningPath := flag.String("tuning", "", "path to optional YAML tuning file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("circuit-gateway", version)
		os.Exit(0)
	}

	if err := run(*tuningPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
