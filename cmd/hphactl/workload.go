package main

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/spf13/pflag"

	"github.com/joshuapare/hphakit/hpha"
	"github.com/joshuapare/hphakit/hpha/alloc"
	"github.com/joshuapare/hphakit/pkg/config"
)

// sizeFlag is a pflag.Value accepting byte counts with unit suffixes.
type sizeFlag config.Size

var _ pflag.Value = (*sizeFlag)(nil)

func (s *sizeFlag) String() string { return config.Size(*s).String() }
func (s *sizeFlag) Type() string   { return "size" }

func (s *sizeFlag) Set(v string) error {
	n, err := config.ParseSize(v)
	if err != nil {
		return err
	}
	*s = sizeFlag(n)
	return nil
}

// workloadOptions shape a random alloc/free run.
type workloadOptions struct {
	Ops      int
	Workers  int
	MaxSize  sizeFlag
	MaxLive  int
	Align    bool
	Seed     uint64
	CheckGap int
}

func defaultWorkloadOptions() workloadOptions {
	return workloadOptions{
		Ops:      100000,
		Workers:  4,
		MaxSize:  sizeFlag(16 << 10),
		MaxLive:  256,
		CheckGap: 0,
	}
}

func addWorkloadFlags(fs *pflag.FlagSet, o *workloadOptions) {
	fs.IntVar(&o.Ops, "ops", o.Ops, "Operations per worker")
	fs.IntVar(&o.Workers, "workers", o.Workers, "Concurrent workers")
	fs.Var(&o.MaxSize, "max-size", "Largest request (e.g. 4096, 64KiB, 1MiB)")
	fs.IntVar(&o.MaxLive, "max-live", o.MaxLive, "Live allocations kept per worker")
	fs.BoolVar(&o.Align, "aligned", o.Align, "Mix in over-aligned requests")
	fs.Uint64Var(&o.Seed, "seed", o.Seed, "Random seed (0 picks one)")
}

// workloadResult summarizes a run.
type workloadResult struct {
	Seed       uint64        `json:"seed"`
	Workers    int           `json:"workers"`
	Ops        int64         `json:"ops"`
	Allocs     int64         `json:"allocs"`
	Frees      int64         `json:"frees"`
	Reallocs   int64         `json:"reallocs"`
	Failures   int64         `json:"failures"`
	Checks     int64         `json:"checks"`
	Duration   time.Duration `json:"duration_ns"`
	OpsPerSec  float64       `json:"ops_per_sec"`
	PeakBytes  int           `json:"peak_allocated_bytes"`
	Purged     int           `json:"purged_bytes"`
	FinalBytes int           `json:"final_allocated_bytes"`
	Stats      alloc.Stats   `json:"stats"`
}

type liveAlloc struct {
	p     unsafe.Pointer
	size  int
	align int
	seed  byte
}

type workloadCounters struct {
	ops, allocs, frees, reallocs, failures, checks, peak atomic.Int64
}

// runWorkload drives s from o.Workers goroutines. Every block is filled
// with a per-block byte and verified before it is released, so overlapping
// allocations surface as corruption errors. With o.CheckGap > 0 each worker
// runs a full heap check every CheckGap operations.
func runWorkload(s *hpha.Schema, o workloadOptions) (workloadResult, error) {
	if o.Workers <= 0 || o.Ops < 0 || o.MaxSize <= 0 || o.MaxLive <= 0 {
		return workloadResult{}, fmt.Errorf("invalid workload: workers=%d ops=%d max-size=%d max-live=%d",
			o.Workers, o.Ops, o.MaxSize, o.MaxLive)
	}
	if o.Seed == 0 {
		o.Seed = rand.Uint64()
	}

	var (
		c        workloadCounters
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	fail := func(err error) {
		errOnce.Do(func() { firstErr = err })
	}

	start := time.Now()
	for w := range o.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := runWorker(s, o, uint64(w), &c); err != nil {
				fail(err)
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	if firstErr != nil {
		return workloadResult{}, firstErr
	}
	if err := s.Check(); err != nil {
		return workloadResult{}, fmt.Errorf("heap check after run: %w", err)
	}

	purged := s.GarbageCollect()
	res := workloadResult{
		Seed:       o.Seed,
		Workers:    o.Workers,
		Ops:        c.ops.Load(),
		Allocs:     c.allocs.Load(),
		Frees:      c.frees.Load(),
		Reallocs:   c.reallocs.Load(),
		Failures:   c.failures.Load(),
		Checks:     c.checks.Load(),
		Duration:   elapsed,
		PeakBytes:  int(c.peak.Load()),
		Purged:     purged,
		FinalBytes: s.NumAllocatedBytes(),
		Stats:      s.Stats(),
	}
	if secs := elapsed.Seconds(); secs > 0 {
		res.OpsPerSec = float64(res.Ops) / secs
	}
	return res, nil
}

func runWorker(s *hpha.Schema, o workloadOptions, id uint64, c *workloadCounters) error {
	rng := rand.New(rand.NewPCG(o.Seed, id))
	live := make([]liveAlloc, 0, o.MaxLive)

	release := func(i int) error {
		l := live[i]
		if err := verifyBlock(l); err != nil {
			return err
		}
		s.DeAllocate(l.p, l.size, l.align)
		live[i] = live[len(live)-1]
		live = live[:len(live)-1]
		c.frees.Add(1)
		return nil
	}

	for op := range o.Ops {
		c.ops.Add(1)
		switch r := rng.IntN(10); {
		case len(live) > 0 && (r < 4 || len(live) >= o.MaxLive):
			if err := release(rng.IntN(len(live))); err != nil {
				return err
			}
		case len(live) > 0 && r == 4:
			if err := reallocOne(s, rng, o, live, rng.IntN(len(live)), c); err != nil {
				return err
			}
		default:
			l := liveAlloc{size: randomSize(rng, int(o.MaxSize)), seed: byte(rng.Uint32())}
			if o.Align && rng.IntN(4) == 0 {
				l.align = 16 << rng.IntN(9)
			}
			l.p = s.Allocate(l.size, l.align)
			if l.p == nil {
				c.failures.Add(1)
				continue
			}
			if l.align > 0 && uintptr(l.p)%uintptr(l.align) != 0 {
				return fmt.Errorf("%p is not aligned to %d", l.p, l.align)
			}
			fillBlock(l)
			live = append(live, l)
			c.allocs.Add(1)
			notePeak(c, s)
		}
		if o.CheckGap > 0 && op%o.CheckGap == o.CheckGap-1 {
			if err := s.Check(); err != nil {
				return fmt.Errorf("heap check at op %d: %w", op, err)
			}
			c.checks.Add(1)
		}
	}
	for len(live) > 0 {
		if err := release(len(live) - 1); err != nil {
			return err
		}
	}
	return nil
}

func reallocOne(s *hpha.Schema, rng *rand.Rand, o workloadOptions, live []liveAlloc, i int, c *workloadCounters) error {
	l := live[i]
	if err := verifyBlock(l); err != nil {
		return err
	}
	size := randomSize(rng, int(o.MaxSize))
	np := s.ReAllocate(l.p, size, l.align)
	if np == nil {
		c.failures.Add(1)
		return nil
	}
	kept := l
	kept.p, kept.size = np, min(l.size, size)
	if err := verifyBlock(kept); err != nil {
		return fmt.Errorf("realloc lost data: %w", err)
	}
	l.p, l.size = np, size
	fillBlock(l)
	live[i] = l
	c.reallocs.Add(1)
	notePeak(c, s)
	return nil
}

// randomSize favors small requests the way real programs do.
func randomSize(rng *rand.Rand, maxSize int) int {
	if maxSize > 256 && rng.IntN(4) != 0 {
		return 1 + rng.IntN(256)
	}
	return 1 + rng.IntN(maxSize)
}

func notePeak(c *workloadCounters, s *hpha.Schema) {
	n := int64(s.NumAllocatedBytes())
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			return
		}
	}
}

func blockBytes(l liveAlloc) []byte {
	return unsafe.Slice((*byte)(l.p), l.size)
}

func fillBlock(l liveAlloc) {
	b := blockBytes(l)
	for i := range b {
		b[i] = l.seed + byte(i)
	}
}

func verifyBlock(l liveAlloc) error {
	for i, v := range blockBytes(l) {
		if want := l.seed + byte(i); v != want {
			return fmt.Errorf("corruption in %d-byte block %p at offset %d: got %#x, want %#x",
				l.size, l.p, i, v, want)
		}
	}
	return nil
}
