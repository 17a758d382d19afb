package main

import (
	"bufio"
	"context"
	"os"

	"github.com/Rajchodisetti/options-flow-engine/internal/ingest"
	"github.com/Rajchodisetti/options-flow-engine/internal/model"
	"github.com/Rajchodisetti/options-flow-engine/internal/observ"
)

// stdinSignalSource reads newline-delimited JSON signal records from
// standard input, one per Next call. A separate feed process is expected
// to pipe records in; this keeps the engine's ingest boundary a plain
// stream rather than owning feed collection itself.
type stdinSignalSource struct {
	scanner *bufio.Scanner
}

func newStdinSignalSource() *stdinSignalSource {
	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &stdinSignalSource{scanner: sc}
}

func (s *stdinSignalSource) Next(ctx context.Context) (model.Signal, bool, error) {
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		sig, err := ingest.Parse(line)
		if err != nil {
			observ.Log("ingest_parse_error", map[string]any{"error": err.Error()})
			continue
		}
		return sig, true, nil
	}
	return model.Signal{}, false, s.scanner.Err()
}
