package runner

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// ForEachIndex calls fn once per index with at most limit calls in flight (limit <= 0 = unlimited).
// It returns the exit code of each call, positionally matching indices.
// The first error cancels the context passed to the calls still running and is returned.
func ForEachIndex(ctx context.Context, indices []int, limit int, fn func(ctx context.Context, index int) (int, error)) ([]int, error) {
	codes := make([]int, len(indices))

	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, index := range indices {
		g.Go(func() error {
			code, err := fn(gctx, index)
			codes[i] = code
			return err
		})
	}
	return codes, g.Wait()
}

// RunArray runs the program once per index locally, with at most limit instances at once.
// Modules are loaded once and the environment shared by every instance.
//
// The aggregate exit code is the exit code of the lowest failing index, or 0 when all succeed.
func RunArray(ctx context.Context, opts Options, indices []int, limit int) (int, error) {
	env, err := prepareEnv(ctx, opts)
	if err != nil {
		return ExitCode(err), err
	}

	codes, err := ForEachIndex(ctx, indices, limit, func(ctx context.Context, index int) (int, error) {
		return runProgram(ctx, opts, env, &index)
	})
	if err != nil {
		return ExitCode(err), err
	}
	return aggregateExitCode(indices, codes), nil
}

// aggregateExitCode returns the code of the lowest index that exited non-zero.
func aggregateExitCode(indices, codes []int) int {
	result, lowest := 0, 0
	found := false
	for i, code := range codes {
		if code != 0 && (!found || indices[i] < lowest) {
			result, lowest, found = code, indices[i], true
		}
	}
	return result
}
