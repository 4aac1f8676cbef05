// Package parallel splits element-wise parameter updates across goroutines.
//
// Each range handed to a worker is disjoint, so callers may write to their
// own slice without locking.
package parallel

import (
	"runtime"
	"sync"
)

// Config controls how work is split.
type Config struct {
	Enabled      bool // Whether ranges may run concurrently
	NumWorkers   int  // Upper bound on concurrent ranges
	MinChunkSize int  // Smallest range worth a goroutine
}

// DefaultConfig returns a Config sized to the CPU count.
func DefaultConfig() Config {
	n := runtime.NumCPU()
	return Config{
		Enabled:      n > 1,
		NumWorkers:   n,
		MinChunkSize: 4096,
	}
}

// Sequential returns a Config that never starts goroutines.
func Sequential() Config {
	return Config{}
}

// Ranges calls f(start, end) over consecutive half-open ranges covering
// [0, n) and returns when every call has returned. Small inputs, or a
// disabled Config, run as a single call on the caller's goroutine.
func Ranges(n int, cfg Config, f func(start, end int)) {
	if n <= 0 {
		return
	}
	workers := max(cfg.NumWorkers, 1)
	if !cfg.Enabled || workers == 1 || n < 2*cfg.MinChunkSize {
		f(0, n)
		return
	}

	chunk := max((n+workers-1)/workers, cfg.MinChunkSize)
	var wg sync.WaitGroup
	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			f(s, e)
		}(start, end)
	}
	wg.Wait()
}
