package parallel

import (
	"sync/atomic"
	"testing"
)

func TestRangesCoverEveryIndexOnce(t *testing.T) {
	cfg := Config{Enabled: true, NumWorkers: 4, MinChunkSize: 8}

	n := 1000
	hits := make([]int32, n)
	var calls int64
	Ranges(n, cfg, func(start, end int) {
		atomic.AddInt64(&calls, 1)
		for i := start; i < end; i++ {
			atomic.AddInt32(&hits[i], 1)
		}
	})

	for i, h := range hits {
		if h != 1 {
			t.Fatalf("index %d visited %d times", i, h)
		}
	}
	if calls != 4 {
		t.Errorf("Expected 4 ranges, got %d", calls)
	}
}

func TestRangesSequential(t *testing.T) {
	var calls int
	Ranges(100, Sequential(), func(start, end int) {
		calls++
		if start != 0 || end != 100 {
			t.Errorf("Expected [0, 100), got [%d, %d)", start, end)
		}
	})
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}

func TestRangesSmallInput(t *testing.T) {
	// Inputs below two chunks run on the caller's goroutine.
	cfg := DefaultConfig()

	var calls int
	Ranges(cfg.MinChunkSize, cfg, func(_, _ int) { calls++ })
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}

	Ranges(0, cfg, func(_, _ int) { t.Error("empty input should not call f") })
}

func BenchmarkRanges(b *testing.B) {
	data := make([]float32, 1<<20)

	b.Run("parallel", func(b *testing.B) {
		cfg := DefaultConfig()
		for b.Loop() {
			Ranges(len(data), cfg, func(s, e int) {
				for i := s; i < e; i++ {
					data[i] = 0.999*data[i] + 0.001
				}
			})
		}
	})

	b.Run("sequential", func(b *testing.B) {
		for b.Loop() {
			Ranges(len(data), Sequential(), func(s, e int) {
				for i := s; i < e; i++ {
					data[i] = 0.999*data[i] + 0.001
				}
			})
		}
	})
}
