package replay

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/icza/s2prot/rep"
)

// Parsed is the metadata extracted from a replay binary.
type Parsed struct {
	Duration time.Duration
	MapName  string
}

// Parser extracts metadata from a replay blob. Parsing is CPU-bound and
// runs on the ingestion worker pool, never on the caller.
type Parser interface {
	Parse(blob []byte) (Parsed, error)
}

// S2Parser decodes StarCraft II replay archives.
type S2Parser struct{}

func (S2Parser) Parse(blob []byte) (Parsed, error) {
	// The MPQ decoder wants a file on disk.
	tmp, err := os.CreateTemp("", "replay-*.SC2Replay")
	if err != nil {
		return Parsed{}, fmt.Errorf("stage replay: %w", err)
	}
	path := tmp.Name()
	defer os.Remove(path)

	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		return Parsed{}, fmt.Errorf("stage replay: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Parsed{}, fmt.Errorf("stage replay: %w", err)
	}

	r, err := rep.NewFromFile(path)
	if err != nil {
		return Parsed{}, fmt.Errorf("decode replay %s: %w", filepath.Base(path), err)
	}
	defer r.Close()

	return Parsed{
		Duration: r.Header.Duration(),
		MapName:  r.Details.Title(),
	}, nil
}
