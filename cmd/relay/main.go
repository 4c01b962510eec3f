// AgentOven Relay is the session and concurrency core between chat gateways
// and a conversational agent backend.
//
// It provides:
//   - Per-conversation FIFO lanes (ordered, non-interleaved processing)
//   - Durable, bounded session history (JSONL files or badger)
//   - The HTTP agent dispatcher with loose reply parsing
//   - The guardrail policy engine with persisted human decisions
package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
