package cache

import (
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// Statistics tracks cache activity with atomic counters.
type Statistics struct {
	hits        atomic.Int64
	misses      atomic.Int64
	sets        atomic.Int64
	deletes     atomic.Int64
	evictions   atomic.Int64
	currentSize atomic.Int64
	maxSize     atomic.Int64

	clock     clock.Clock
	startTime time.Time
}

// NewStatistics creates a tracker. A nil clock uses the wall clock.
func NewStatistics(c clock.Clock) *Statistics {
	if c == nil {
		c = clock.New()
	}
	return &Statistics{clock: c, startTime: c.Now()}
}

func (s *Statistics) Hit() { s.hits.Add(1) }
func (s *Statistics) Miss() { s.misses.Add(1) }
func (s *Statistics) Set() { s.sets.Add(1) }
func (s *Statistics) Delete() { s.deletes.Add(1) }
func (s *Statistics) Eviction() { s.evictions.Add(1) }

// UpdateSize records the current entry count and tracks the high-water mark.
func (s *Statistics) UpdateSize(size int64) {
	s.currentSize.Store(size)
	for {
		peak := s.maxSize.Load()
		if size <= peak || s.maxSize.CompareAndSwap(peak, size) {
			return
		}
	}
}

func (s *Statistics) Hits() int64 { return s.hits.Load() }
func (s *Statistics) Misses() int64 { return s.misses.Load() }
func (s *Statistics) Sets() int64 { return s.sets.Load() }
func (s *Statistics) Deletes() int64 { return s.deletes.Load() }
func (s *Statistics) Evictions() int64 { return s.evictions.Load() }
func (s *Statistics) CurrentSize() int64 { return s.currentSize.Load() }
func (s *Statistics) MaxSize() int64 { return s.maxSize.Load() }

// HitRatio returns hits / (hits + misses), or 0 with no lookups.
func (s *Statistics) HitRatio() float64 {
	hits := s.Hits()
	total := hits + s.Misses()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// Uptime returns time since the tracker was created.
func (s *Statistics) Uptime() time.Duration {
	return s.clock.Since(s.startTime)
}

// StatsSummary is a point-in-time copy of Statistics.
type StatsSummary struct {
	Hits        int64         `json:"hits"`
	Misses      int64         `json:"misses"`
	Sets        int64         `json:"sets"`
	Deletes     int64         `json:"deletes"`
	Evictions   int64         `json:"evictions"`
	CurrentSize int64         `json:"current_size"`
	MaxSize     int64         `json:"max_size"`
	HitRatio    float64       `json:"hit_ratio"`
	Uptime      time.Duration `json:"uptime"`
}

// Summary returns a snapshot of all counters.
func (s *Statistics) Summary() StatsSummary {
	return StatsSummary{
		Hits:        s.Hits(),
		Misses:      s.Misses(),
		Sets:        s.Sets(),
		Deletes:     s.Deletes(),
		Evictions:   s.Evictions(),
		CurrentSize: s.CurrentSize(),
		MaxSize:     s.MaxSize(),
		HitRatio:    s.HitRatio(),
		Uptime:      s.Uptime(),
	}
}
