package confab

import (
	"math"
	"sync/atomic"
)

type statsCollector struct {
	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64

	notFound atomic.Uint64
	failures atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

// Observe records a 200 response carrying respBytes of body.
func (s *statsCollector) Observe(respBytes int) {
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

func (s *statsCollector) ObserveStatus(code int) {
	switch {
	case code == 404:
		s.notFound.Add(1)
	case code >= 500:
		s.failures.Add(1)
	}
}

type statsSnapshot struct {
	TotalResponses uint64
	TotalRespBytes uint64
	MinRespBytes   uint64
	MaxRespBytes   uint64
	AvgRespBytes   uint64
	NotFound       uint64
	Failures       uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	out := statsSnapshot{
		NotFound: s.notFound.Load(),
		Failures: s.failures.Load(),
	}
	count := s.totalResponses.Load()
	if count == 0 {
		return out
	}
	out.TotalResponses = count
	out.TotalRespBytes = s.totalRespBytes.Load()
	out.MinRespBytes = s.minRespBytes.Load()
	out.MaxRespBytes = s.maxRespBytes.Load()
	out.AvgRespBytes = out.TotalRespBytes / count
	if out.MinRespBytes == math.MaxUint64 {
		out.MinRespBytes = 0
	}
	return out
}
