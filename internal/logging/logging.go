// Package logging wires the process-wide logging sink used by every
// component of the provider and fetcher. It mirrors the setup in the
// teacher's main.go and client.go#initLogging: a leveled op/go-logging
// backend, handing out one named logger per component.
package logging

import (
	"fmt"

	"github.com/katzenpost/core/log"
	"github.com/op/go-logging"
)

// Backend owns the process-wide logging sink. Besides it, the only
// process-wide mutable state (§5) is internal/seqnum's lazily set clock
// origin; all other state is owned by the coordinator or a flow.
type Backend struct {
	backend *log.Backend
}

// New creates a Backend writing to stderr at the given level ("DEBUG",
// "INFO", "NOTICE", "WARNING", "ERROR", "CRITICAL"). verbose, when true,
// forces DEBUG regardless of level.
func New(level string, verbose bool) (*Backend, error) {
	if verbose {
		level = "DEBUG"
	}
	if level == "" {
		level = "INFO"
	}
	backend, err := log.New("", level, false)
	if err != nil {
		return nil, fmt.Errorf("logging: invalid level %q: %w", level, err)
	}
	return &Backend{backend: backend}, nil
}

// Get returns a named logger, e.g. "provider", "fetcher-flow-127.0.0.1:9999".
func (b *Backend) Get(name string) *logging.Logger {
	return b.backend.GetLogger(name)
}
