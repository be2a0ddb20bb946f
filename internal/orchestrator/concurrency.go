package orchestrator

import "sync"

// runConcurrent runs fn(item) for every item in items concurrently and
// waits for all of them, mirroring asyncio.gather's all-or-nothing
// semantics (config.py's install_async: "futures = map(...); await
// asyncio.gather(*futures)"). The first non-nil error is returned; the
// rest are discarded, since spec.md's failure semantics only require that
// one fatal error aborts the batch, not that every error be reported.
func runConcurrent[T any](items []T, fn func(T) error) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, item := range items {
		wg.Add(1)
		go func(it T) {
			defer wg.Done()
			if err := fn(it); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(item)
	}
	wg.Wait()

	return firstErr
}

// runAll runs every thunk in fns concurrently and waits for all of them,
// for fixed-arity fan-out (e.g. Connection.establish's connect + two
// set_key calls) where there's no natural slice of homogeneous items.
func runAll(fns ...func() error) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, fn := range fns {
		wg.Add(1)
		go func(f func() error) {
			defer wg.Done()
			if err := f(); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(fn)
	}
	wg.Wait()

	return firstErr
}
