package pool

import (
	"context"
	"sync"
)

// WorkerFunc defines the function signature for a worker that processes an item and may return an error.
type WorkerFunc[T any] func(ctx context.Context, item T) error

// MapFunc is a worker that produces a result for an item.
type MapFunc[T, R any] func(ctx context.Context, item T) (R, error)

// Run executes a worker pool. It processes a slice of items concurrently.
// It returns a slice containing any errors that occurred during processing.
func Run[T any](ctx context.Context, items []T, numWorkers int, workerFunc WorkerFunc[T]) []error {
	if numWorkers < 1 {
		numWorkers = 1
	}
	var wg sync.WaitGroup
	taskChan := make(chan T, numWorkers)
	errChan := make(chan error, len(items))

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range taskChan {
				select {
				case <-ctx.Done():
					return
				default:
					if err := workerFunc(ctx, item); err != nil {
						errChan <- err
					}
				}
			}
		}()
	}

OUT:
	for _, item := range items {
		select {
		case taskChan <- item:
		case <-ctx.Done():
			// Stop feeding tasks if the context is cancelled
			break OUT
		}
	}
	close(taskChan)

	wg.Wait()
	close(errChan)

	var allErrors []error
	for err := range errChan {
		allErrors = append(allErrors, err)
	}
	return allErrors
}

// Map runs fn over items with at most numWorkers in flight. The result at
// index i belongs to items[i]; items that failed or were never started keep
// the zero value. Errors are returned in item order.
func Map[T, R any](ctx context.Context, items []T, numWorkers int, fn MapFunc[T, R]) ([]R, []error) {
	type indexed struct {
		i    int
		item T
	}

	results := make([]R, len(items))
	errs := make([]error, len(items))

	indexedItems := make([]indexed, len(items))
	for i, item := range items {
		indexedItems[i] = indexed{i: i, item: item}
	}

	Run(ctx, indexedItems, numWorkers, func(ctx context.Context, it indexed) error {
		r, err := fn(ctx, it.item)
		results[it.i] = r
		errs[it.i] = err
		return err
	})

	var allErrors []error
	for _, err := range errs {
		if err != nil {
			allErrors = append(allErrors, err)
		}
	}
	if err := ctx.Err(); err != nil {
		allErrors = append(allErrors, err)
	}
	return results, allErrors
}
