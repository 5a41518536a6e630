// Package processor implements the record transformation pipeline that
// sits between source adapters and the store. Processors are pure
// Record → Record stages; chains compose them per namespace.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/daybook-io/daybook/internal/domain"
)

// Result pairs one processed record with the error that dropped it, if
// any. A nil Err means the record survived the whole chain.
type Result struct {
	Record domain.Record
	Err    error
}

// Chain runs records through an ordered list of processors.
type Chain struct {
	name  string
	procs []domain.Processor
	log   *slog.Logger
}

func NewChain(name string, log *slog.Logger, procs ...domain.Processor) *Chain {
	if log == nil {
		log = slog.Default()
	}
	return &Chain{name: name, procs: procs, log: log.With(slog.String("chain", name))}
}

func (c *Chain) Name() string { return c.name }

// Stages lists the processor names in order.
func (c *Chain) Stages() []string {
	out := make([]string, len(c.procs))
	for i, p := range c.procs {
		out[i] = p.Name()
	}
	return out
}

// Run pushes one record through every stage. The input is cloned first so
// stages can mutate metadata without aliasing the caller's copy.
func (c *Chain) Run(ctx context.Context, rec domain.Record) (domain.Record, error) {
	out := rec.Clone()
	for _, p := range c.procs {
		var err error
		out, err = p.Process(ctx, out)
		if err != nil {
			return domain.Record{}, fmt.Errorf("op=processor.run: stage %s: %w", p.Name(), err)
		}
	}
	return out, nil
}

// RunBatch pushes a batch through the chain stage by stage, using a
// stage's batch form when it has one. A failing batch stage falls back to
// per-item processing; per-item failures finalize that record's Result
// and the rest of the batch continues.
func (c *Chain) RunBatch(ctx context.Context, recs []domain.Record) []Result {
	results := make([]Result, len(recs))
	work := make([]domain.Record, len(recs))
	live := make([]int, 0, len(recs))
	for i, r := range recs {
		work[i] = r.Clone()
		live = append(live, i)
	}

	for _, p := range c.procs {
		if len(live) == 0 {
			break
		}
		if bp, ok := p.(domain.BatchProcessor); ok {
			batch := make([]domain.Record, 0, len(live))
			for _, i := range live {
				batch = append(batch, work[i])
			}
			out, err := bp.ProcessBatch(ctx, batch)
			if err == nil && len(out) == len(batch) {
				for j, i := range live {
					work[i] = out[j]
				}
				continue
			}
			if err != nil {
				c.log.Warn("batch stage failed, falling back to per-item",
					slog.String("stage", p.Name()), slog.String("error", err.Error()))
			}
		}

		keep := make([]int, 0, len(live))
		for _, i := range live {
			rec, err := p.Process(ctx, work[i])
			if err != nil {
				results[i] = Result{Err: fmt.Errorf("op=processor.run: stage %s: %w", p.Name(), err)}
				continue
			}
			work[i] = rec
			keep = append(keep, i)
		}
		live = keep
	}

	for _, i := range live {
		results[i] = Result{Record: work[i]}
	}
	return results
}

// Registry maps namespaces to chains, with a default for namespaces that
// have no dedicated pipeline.
type Registry struct {
	mu     sync.RWMutex
	chains map[string]*Chain
	def    *Chain
}

func NewRegistry(def *Chain) *Registry {
	return &Registry{chains: map[string]*Chain{}, def: def}
}

func (r *Registry) Register(namespace string, chain *Chain) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chains[namespace] = chain
}

func (r *Registry) ChainFor(namespace string) *Chain {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.chains[namespace]; ok {
		return c
	}
	return r.def
}

const defaultMinTurns = 3

// Defaults wires the stock chains: cleaning and enrichment everywhere,
// with fingerprint dedup and conversation segmentation ahead of the
// enrichment stage for the lifelog namespace.
func Defaults(lookup FingerprintLookup, segmentMinChars int, log *slog.Logger) *Registry {
	def := NewChain("default", log, BasicCleaning{}, NewMetadataEnrichment())
	conversation := NewChain("lifelog", log,
		BasicCleaning{},
		NewDeduplication(lookup),
		NewSegmentation(segmentMinChars, defaultMinTurns),
		NewMetadataEnrichment(),
	)
	r := NewRegistry(def)
	r.Register(domain.NamespaceLifelog, conversation)
	return r
}
