// Package pipeline orchestrates the analysis flow: drain the discovery
// queue, fetch bytecode in batches, run the prefilter cascade, and push
// survivors through detectors, the probe engine and the severity
// scorer into the report sink.
package pipeline

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/op/go-logging"

	"evmrecon/pkg/bytecode"
	"evmrecon/pkg/detectors"
	"evmrecon/pkg/ledger"
	"evmrecon/pkg/logger"
	"evmrecon/pkg/prefilter"
	"evmrecon/pkg/probe"
	"evmrecon/pkg/queue"
	"evmrecon/pkg/report"
	"evmrecon/pkg/severity"
)

// analysisWork is the ledger work type guarding full contract analysis.
const analysisWork = "analysis"

// Backend is the chain surface the pipeline and its probe engine share.
// *chain.Client satisfies it.
type Backend interface {
	probe.Backend
	CodeBatch(ctx context.Context, addrs []common.Address) (map[common.Address][]byte, error)
}

// Config carries the pipeline tunables.
type Config struct {
	Workers   int
	BatchSize int
	// AnalysisTTL is how long a completed analysis blocks repeats.
	// Zero means forever.
	AnalysisTTL time.Duration
	// MinSeverity drops weaker findings unless a detector confirmed a
	// concrete condition.
	MinSeverity int
	// BountyMinSeverity feeds the bounty gate on probe-confirmed
	// findings.
	BountyMinSeverity int
	// IdlePoll is the sleep between drains of an empty queue.
	IdlePoll time.Duration

	Probe probe.Config
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.IdlePoll <= 0 {
		c.IdlePoll = 250 * time.Millisecond
	}
	return c
}

// Pipeline wires the analysis stages together.
type Pipeline struct {
	log     *logging.Logger
	backend Backend
	queue   *queue.Queue
	ledger  *ledger.Ledger
	cascade *prefilter.Cascade
	det     *detectors.Detectors
	engine  *probe.Engine
	sink    report.Sink
	cfg     Config
}

// New builds a pipeline and its embedded probe engine.
func New(logLevel string, backend Backend, q *queue.Queue, led *ledger.Ledger,
	cascade *prefilter.Cascade, det *detectors.Detectors, sink report.Sink, cfg Config) *Pipeline {

	p := &Pipeline{
		log:     logger.NewLogger(logLevel, "Pipeline"),
		backend: backend,
		queue:   q,
		ledger:  led,
		cascade: cascade,
		det:     det,
		sink:    sink,
		cfg:     cfg.withDefaults(),
	}
	p.engine = probe.NewEngine(logLevel, backend, det, p.cfg.Probe, p.handleProbeResult)
	return p
}

type job struct {
	addr common.Address
	code []byte
}

// Run drains the queue until the context is cancelled. A failure on one
// address never stops the loop.
func (p *Pipeline) Run(ctx context.Context) error {
	jobs := make(chan job)
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				if _, err := p.analyzeJob(ctx, j); err != nil {
					p.log.Warningf("analysis of %s failed: %v", j.addr.Hex(), err)
				}
			}
		}()
	}

	for {
		batch := p.drainBatch()
		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				close(jobs)
				wg.Wait()
				p.engine.Wait()
				return ctx.Err()
			case <-time.After(p.cfg.IdlePoll):
			}
			continue
		}

		codes, err := p.backend.CodeBatch(ctx, batch)
		if err != nil {
			// Fall back to per-address fetches inside the workers.
			p.log.Warningf("batch code fetch failed: %v", err)
			codes = nil
		}
		for _, addr := range batch {
			select {
			case jobs <- job{addr: addr, code: codes[addr]}:
			case <-ctx.Done():
				close(jobs)
				wg.Wait()
				p.engine.Wait()
				return ctx.Err()
			}
		}
	}
}

func (p *Pipeline) drainBatch() []common.Address {
	batch := make([]common.Address, 0, p.cfg.BatchSize)
	for len(batch) < p.cfg.BatchSize {
		addr, ok := p.queue.Next()
		if !ok {
			break
		}
		batch = append(batch, addr)
	}
	return batch
}

// Analyze runs the full analysis for one address, at most once per TTL
// window. It returns nil when the address was skipped, deduplicated or
// produced nothing reportable.
func (p *Pipeline) Analyze(ctx context.Context, addr common.Address) (*report.Finding, error) {
	return p.analyzeJob(ctx, job{addr: addr})
}

func (p *Pipeline) analyzeJob(ctx context.Context, j job) (*report.Finding, error) {
	var finding *report.Finding
	_, err := p.ledger.Do(j.addr, analysisWork, p.cfg.AnalysisTTL, func() error {
		f, err := p.analyze(ctx, j)
		finding = f
		return err
	})
	return finding, err
}

func (p *Pipeline) analyze(ctx context.Context, j job) (*report.Finding, error) {
	code := j.code
	if code == nil {
		var err error
		code, err = p.backend.Code(ctx, j.addr)
		if err != nil {
			return nil, err
		}
	}

	sig := bytecode.ExtractSignals(code)
	decision := p.cascade.Evaluate(ctx, j.addr, code, sig)
	if decision.Action == prefilter.Skip {
		p.log.Debugf("%s skipped at %s", j.addr.Hex(), decision.Stage)
		return nil, nil
	}

	return p.deepAnalyze(ctx, j.addr, sig, decision)
}

// deepAnalyze runs the medium detectors, escalates fee-on-transfer
// candidates to the probe engine, and reports anything that clears the
// severity floor.
func (p *Pipeline) deepAnalyze(ctx context.Context, addr common.Address, sig bytecode.Signals, decision prefilter.Decision) (*report.Finding, error) {
	classes, details := p.runDetectors(ctx, addr)
	if decision.Action == prefilter.Bypass {
		details["bypass_stage"] = decision.Stage
		details["bypass_reason"] = decision.Reason
	}

	if fot, err := p.det.IsFoTCandidate(ctx, addr); err == nil && fot {
		if token, ok := p.det.ResolveToken(ctx, addr); ok {
			p.engine.Schedule(ctx, addr, token)
		}
	}

	imp := severity.Impact{Exploitable: len(classes) > 0}
	sev := severity.Score(sig, imp)
	if sev < p.cfg.MinSeverity && len(classes) == 0 {
		return nil, nil
	}

	finding := &report.Finding{
		Timestamp: time.Now().UTC(),
		Address:   strings.ToLower(addr.Hex()),
		Class:     primaryClass(classes),
		Severity:  sev,
		Signals:   sig,
		Details:   details,
	}
	if err := p.sink.Submit(ctx, finding); err != nil {
		return finding, err
	}
	return finding, nil
}

// runDetectors executes the cheap heuristics, collecting every class
// that fired. Individual detector failures are logged and skipped.
func (p *Pipeline) runDetectors(ctx context.Context, addr common.Address) ([]string, map[string]string) {
	details := make(map[string]string)
	var classes []string

	checks := []struct {
		class string
		fn    func(context.Context, common.Address) (bool, error)
	}{
		{"vault_inflation", p.det.IsVaultLike},
		{"rounding_dust", p.det.HasRoundingDust},
		{"uninitialized_reward", p.det.HasUninitializedReward},
		{"sync_loss", p.det.HasSyncLoss},
		{"timestamp_dependence", p.det.HasTimestampDependence},
	}
	for _, check := range checks {
		hit, err := check.fn(ctx, addr)
		if err != nil {
			p.log.Debugf("%s detector failed for %s: %v", check.class, addr.Hex(), err)
			continue
		}
		if hit {
			classes = append(classes, check.class)
			details[check.class] = "detected"
		}
	}
	return classes, details
}

func primaryClass(classes []string) string {
	if len(classes) == 0 {
		return "signal_profile"
	}
	return classes[0]
}

// handleProbeResult turns a confirmed fee-on-transfer over-credit into
// a probe-backed finding.
func (p *Pipeline) handleProbeResult(res *probe.VictimResult) {
	if !res.Vulnerable {
		return
	}

	imp := severity.EstimateImpact(res.LostPerDeposit, nil, res.Tax.TaxPct, true)
	sev := severity.ScoreImpact(imp)
	finding := &report.Finding{
		Timestamp: time.Now().UTC(),
		Address:   strings.ToLower(res.Victim.Hex()),
		Class:     "fee_on_transfer_overcredit",
		Severity:  sev,
		Bounty:    severity.IsBountyWorthy(imp, sev, p.cfg.BountyMinSeverity),
		Token:     strings.ToLower(res.Token.Hex()),
		Entry:     res.Entry,
		TaxPct:    res.Tax.TaxPct,
		StolenWei: imp.StolenWei.String(),
	}
	if err := p.sink.Submit(context.Background(), finding); err != nil {
		p.log.Warningf("probe finding for %s not delivered: %v", res.Victim.Hex(), err)
	}
}

// Wait drains in-flight probe work, for shutdown paths that cancel Run.
func (p *Pipeline) Wait() {
	p.engine.Wait()
}
