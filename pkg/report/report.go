// Package report is the delivery boundary for findings. The pipeline
// hands every finding to a Sink; what happens next (file, webhook,
// both) is configuration.
package report

import (
	"context"
	"time"

	"evmrecon/pkg/bytecode"
)

// Finding is one reportable analysis outcome. Addresses and wei
// amounts are serialized as hex/decimal strings so the JSONL stream
// survives tools that mangle large integers.
type Finding struct {
	Timestamp time.Time `json:"timestamp"`
	Address   string    `json:"address"`
	Class     string    `json:"class"`
	Severity  int       `json:"severity"`
	Bounty    bool      `json:"bounty_worthy"`

	Signals bytecode.Signals `json:"signals"`

	Token     string  `json:"token,omitempty"`
	Entry     string  `json:"entry,omitempty"`
	TaxPct    float64 `json:"tax_pct,omitempty"`
	StolenWei string  `json:"stolen_wei,omitempty"`

	Details map[string]string `json:"details,omitempty"`
}

// Key identifies the finding for throttling: one alert stream per
// address and class.
func (f *Finding) Key() string {
	return f.Address + ":" + f.Class
}

// Sink receives findings. Implementations must be safe for concurrent
// Submit calls.
type Sink interface {
	Submit(ctx context.Context, f *Finding) error
	Close() error
}

// MultiSink fans a finding out to every child sink. The first error is
// returned but later sinks still run.
type MultiSink []Sink

func (m MultiSink) Submit(ctx context.Context, f *Finding) error {
	var first error
	for _, s := range m {
		if err := s.Submit(ctx, f); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m MultiSink) Close() error {
	var first error
	for _, s := range m {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
