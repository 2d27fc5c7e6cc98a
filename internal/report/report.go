// Package report serializes finished test results so runs can be
// archived and compared across invocations.
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/FairForge/loadgrid/internal/orchestrator"
)

// Write renders results as indented JSON.
func Write(w io.Writer, results *orchestrator.TestResults) error {
	if results == nil {
		return fmt.Errorf("report: nil results")
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		return fmt.Errorf("report: encode: %w", err)
	}
	return nil
}

// Parse reads results back from their serialized form. Aggregated
// metric values and the ordered event history survive the round trip
// unchanged.
func Parse(r io.Reader) (*orchestrator.TestResults, error) {
	var results orchestrator.TestResults
	dec := json.NewDecoder(r)
	if err := dec.Decode(&results); err != nil {
		return nil, fmt.Errorf("report: decode: %w", err)
	}
	return &results, nil
}

// Marshal is Write into a byte slice.
func Marshal(results *orchestrator.TestResults) ([]byte, error) {
	var buf bytes.Buffer
	if err := Write(&buf, results); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteFile archives results at path.
func WriteFile(path string, results *orchestrator.TestResults) error {
	data, err := Marshal(results)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("report: write %s: %w", path, err)
	}
	return nil
}

// ReadFile loads an archived report.
func ReadFile(path string) (*orchestrator.TestResults, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("report: read %s: %w", path, err)
	}
	return Parse(bytes.NewReader(data))
}
