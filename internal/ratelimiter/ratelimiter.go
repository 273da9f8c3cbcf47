// Package ratelimiter implements the admission controller that couples a
// table's insert and sample progress.
//
// The design quantity is the sample credit diff = samples_per_insert *
// inserts - samples: every insert grants samples_per_insert worth of
// sampling credit and every sample consumes one unit. Inserts are admitted
// while the credit stays at or below max_diff, samples while consuming a
// unit keeps it at or above min_diff. Deletions only move the occupancy
// gate: until the table holds min_size_to_sample items, inserts are free and
// samples are denied regardless of the window.
package ratelimiter

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/cartridge/reverb/internal/xerrors"
)

// Config describes a rate limiter.
type Config struct {
	// SamplesPerInsert is the target ratio of samples to inserts.
	SamplesPerInsert float64

	// MinSizeToSample is the table occupancy below which sampling is denied
	// and insertion is always admitted.
	MinSizeToSample int64

	// MinDiff and MaxDiff bound the sample credit. The window must be at
	// least as wide as one insert's worth of credit or the limiter would
	// deadlock.
	MinDiff float64
	MaxDiff float64
}

// Validate checks that samples_per_insert is positive, min_size_to_sample is
// non-negative and min_diff does not exceed max_diff. It does not check
// whether the window admits progress for a given samples_per_insert.
func (c Config) Validate() error {
	if math.IsNaN(c.SamplesPerInsert) || c.SamplesPerInsert <= 0 {
		return xerrors.InvalidArgumentf("samples_per_insert must be positive, got %f", c.SamplesPerInsert)
	}
	if c.MinSizeToSample < 0 {
		return xerrors.InvalidArgumentf("min_size_to_sample must be non-negative, got %d", c.MinSizeToSample)
	}
	if c.MinDiff > c.MaxDiff {
		return xerrors.InvalidArgumentf("min_diff (%f) must not exceed max_diff (%f)", c.MinDiff, c.MaxDiff)
	}
	return nil
}

// Queue returns the config equivalent to a bounded queue: every item is
// sampled exactly once, in order, and inserts block when size samples are
// outstanding.
func Queue(size int64) Config {
	return Config{
		SamplesPerInsert: 1,
		MinSizeToSample:  1,
		MinDiff:          0,
		MaxDiff:          float64(size),
	}
}

// MinSize returns the config that only gates sampling on table occupancy.
func MinSize(minSizeToSample int64) Config {
	return Config{
		SamplesPerInsert: 1,
		MinSizeToSample:  minSizeToSample,
		MinDiff:          math.Inf(-1),
		MaxDiff:          math.Inf(1),
	}
}

// SampleToInsertRatio returns the config that keeps the number of samples per
// insert within errorBuffer of samplesPerInsert once the table holds
// minSizeToSample items.
func SampleToInsertRatio(samplesPerInsert float64, minSizeToSample int64, errorBuffer float64) Config {
	offset := samplesPerInsert * float64(minSizeToSample)
	return Config{
		SamplesPerInsert: samplesPerInsert,
		MinSizeToSample:  minSizeToSample,
		MinDiff:          offset - errorBuffer,
		MaxDiff:          offset + errorBuffer,
	}
}

// Info is a snapshot of the limiter for table info and checkpointing.
type Info struct {
	Config     Config
	NumInserts int64
	NumSamples int64
	NumDeletes int64
}

// RateLimiter arbitrates admission for one table. It must be attached to the
// table's mutex before use, and every method requires that mutex held so the
// admission test and the subsequent state change are atomic.
type RateLimiter struct {
	cfg Config
	clk clock.Clock

	cond      *sync.Cond
	inserts   int64
	samples   int64
	deletes   int64
	cancelled bool
}

// New creates a limiter from a validated config.
func New(cfg Config) (*RateLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &RateLimiter{cfg: cfg, clk: clock.New()}, nil
}

// NewWithClock creates a limiter whose waits observe clk. Tests use the mock.
func NewWithClock(cfg Config, clk clock.Clock) (*RateLimiter, error) {
	r, err := New(cfg)
	if err != nil {
		return nil, err
	}
	r.clk = clk
	return r, nil
}

// Attach binds the limiter to the mutex that serializes the owning table.
// Must be called exactly once before any other method.
func (r *RateLimiter) Attach(mu *sync.Mutex) {
	if r.cond != nil {
		panic("ratelimiter: already attached to a table")
	}
	r.cond = sync.NewCond(mu)
}

// CanInsert reports whether n inserts are admissible in the current state.
// Inserts are free until the table reaches min_size_to_sample.
func (r *RateLimiter) CanInsert(n int64) bool {
	if r.inserts+n-r.deletes <= r.cfg.MinSizeToSample {
		return true
	}
	diff := float64(r.inserts+n)*r.cfg.SamplesPerInsert - float64(r.samples)
	return diff <= r.cfg.MaxDiff
}

// CanSample reports whether n samples are admissible in the current state.
func (r *RateLimiter) CanSample(n int64) bool {
	if r.inserts-r.deletes < r.cfg.MinSizeToSample {
		return false
	}
	diff := float64(r.inserts)*r.cfg.SamplesPerInsert - float64(r.samples+n)
	return diff >= r.cfg.MinDiff
}

// AwaitCanInsert blocks until one insert is admissible, the limiter is
// cancelled or the timeout expires. A negative timeout waits forever.
func (r *RateLimiter) AwaitCanInsert(timeout time.Duration) error {
	return r.await(timeout, func() bool { return r.CanInsert(1) })
}

// AwaitCanSample blocks until one sample is admissible, the limiter is
// cancelled or the timeout expires. A negative timeout waits forever.
func (r *RateLimiter) AwaitCanSample(timeout time.Duration) error {
	return r.await(timeout, func() bool { return r.CanSample(1) })
}

func (r *RateLimiter) await(timeout time.Duration, admissible func() bool) error {
	var deadline time.Time
	if timeout >= 0 {
		deadline = r.clk.Now().Add(timeout)
		timer := r.clk.AfterFunc(timeout, r.cond.Broadcast)
		defer timer.Stop()
	}
	for !r.cancelled && !admissible() {
		if timeout >= 0 && !r.clk.Now().Before(deadline) {
			return xerrors.RateLimiterTimeout()
		}
		r.cond.Wait()
	}
	if r.cancelled {
		return xerrors.Cancelledf("rate limiter cancelled")
	}
	return nil
}

// Insert records one admitted insert and wakes all waiters.
func (r *RateLimiter) Insert() {
	r.inserts++
	r.cond.Broadcast()
}

// Delete records one item deletion and wakes all waiters.
func (r *RateLimiter) Delete() {
	r.deletes++
	r.cond.Broadcast()
}

// Sample records one admitted sample and wakes all waiters.
func (r *RateLimiter) Sample() {
	r.samples++
	r.cond.Broadcast()
}

// Reset clears all counters, e.g. when the owning table is reset.
func (r *RateLimiter) Reset() {
	r.inserts = 0
	r.samples = 0
	r.deletes = 0
	r.cond.Broadcast()
}

// Cancel wakes all waiters and makes every current and future wait return
// Cancelled. Called by Table.Close.
func (r *RateLimiter) Cancel() {
	r.cancelled = true
	r.cond.Broadcast()
}

// Restore overwrites the counters from a checkpoint snapshot.
func (r *RateLimiter) Restore(info Info) {
	r.inserts = info.NumInserts
	r.samples = info.NumSamples
	r.deletes = info.NumDeletes
}

// Info snapshots the limiter.
func (r *RateLimiter) Info() Info {
	return Info{
		Config:     r.cfg,
		NumInserts: r.inserts,
		NumSamples: r.samples,
		NumDeletes: r.deletes,
	}
}

func (r *RateLimiter) String() string {
	return fmt.Sprintf(
		"RateLimiter(samples_per_insert=%g, min_size_to_sample=%d, min_diff=%g, max_diff=%g)",
		r.cfg.SamplesPerInsert, r.cfg.MinSizeToSample, r.cfg.MinDiff, r.cfg.MaxDiff)
}
