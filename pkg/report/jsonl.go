package report

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// JSONLSink appends one JSON object per finding to a file. A single
// mutex serializes writers so concurrent pipeline workers cannot
// interleave lines.
type JSONLSink struct {
	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
}

func NewJSONLSink(path string) (*JSONLSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open findings file: %w", err)
	}
	return &JSONLSink{f: f, enc: json.NewEncoder(f)}, nil
}

func (s *JSONLSink) Submit(_ context.Context, finding *Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(finding); err != nil {
		return fmt.Errorf("append finding: %w", err)
	}
	return nil
}

func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
