package orchestrator

import (
	"context"
	"fmt"

	"catalogscan/internal/platform"
	"catalogscan/internal/scanner"
)

// BatchResult is the outcome of one input of a batch.
type BatchResult struct {
	Input  string  `json:"input"`
	Report *Report `json:"report,omitempty"`
	Err    error   `json:"-"`
}

// RunBatch runs one session per input URL, at most concurrency at a time.
// Sessions for different domains are independent; a second input for a domain
// already in the batch is rejected with ErrDuplicateDomain. Results keep the
// input order.
func (s *Service) RunBatch(ctx context.Context, inputs []string, mode Mode, concurrency int, opts ...scanner.Option) []BatchResult {
	results := make([]BatchResult, len(inputs))
	if len(inputs) == 0 {
		return results
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	pool, err := scanner.NewWorkerPool(ctx, concurrency, len(inputs))
	if err != nil {
		for i, in := range inputs {
			results[i] = BatchResult{Input: in, Err: err}
		}
		return results
	}

	domains := make(map[string]int, len(inputs))
	for i, in := range inputs {
		results[i].Input = in
		res, err := platform.Resolve(in)
		if err != nil {
			results[i].Err = err
			continue
		}
		if first, dup := domains[res.Domain]; dup {
			results[i].Err = fmt.Errorf("%w: %s (input %d)", ErrDuplicateDomain, res.Domain, first+1)
			continue
		}
		domains[res.Domain] = i

		idx, input := i, in
		if err := pool.Submit(ctx, func(jobCtx context.Context) {
			report, err := s.Run(jobCtx, input, mode, opts...)
			results[idx].Report = report
			results[idx].Err = err
		}); err != nil {
			results[i].Err = err
		}
	}
	pool.Wait()
	return results
}
