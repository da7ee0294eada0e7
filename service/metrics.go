package service

import (
	"sync"
	"time"
)

// MetricsCollector tracks counts and cumulative durations of the voting
// operations.
type MetricsCollector struct {
	mu sync.RWMutex

	signing    operation
	submission operation
	counting   operation

	rejected map[string]int

	votingPhaseStart time.Time
	votingPhaseEnd   time.Time
}

type operation struct {
	first time.Time
	last  time.Time
	count int
	total time.Duration
}

func (o *operation) record(start time.Time, d time.Duration) {
	if o.count == 0 {
		o.first = start
	}
	o.count++
	o.last = start.Add(d)
	o.total += d
}

func (o operation) metrics() OperationMetrics {
	m := OperationMetrics{
		StartTime:        o.first,
		EndTime:          o.last,
		Count:            o.count,
		ProcessingTimeMs: o.total.Milliseconds(),
	}
	if o.count > 0 {
		m.AverageMs = float64(o.total.Microseconds()) / float64(o.count) / 1000
	}
	return m
}

type OperationMetrics struct {
	StartTime        time.Time `json:"start_time"`
	EndTime          time.Time `json:"end_time"`
	Count            int       `json:"count"`
	ProcessingTimeMs int64     `json:"processing_time_ms"`
	AverageMs        float64   `json:"average_ms"`
}

type MetricsResponse struct {
	Signing          OperationMetrics `json:"signing"`
	Submission       OperationMetrics `json:"submission"`
	Counting         OperationMetrics `json:"counting"`
	Rejected         map[string]int   `json:"rejected"`
	VotingPhaseStart time.Time        `json:"voting_phase_start,omitempty"`
	VotingPhaseEnd   time.Time        `json:"voting_phase_end,omitempty"`
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{rejected: make(map[string]int)}
}

// RecordSigning records one blind signature issued or obtained.
func (mc *MetricsCollector) RecordSigning(start time.Time, d time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.signing.record(start, d)
}

func (mc *MetricsCollector) RecordSubmission(start time.Time, d time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.submission.record(start, d)
}

func (mc *MetricsCollector) RecordCounting(start time.Time, d time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.counting.record(start, d)
}

// RecordRejection counts a refused submission under reason.
func (mc *MetricsCollector) RecordRejection(reason string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.rejected[reason]++
}

func (mc *MetricsCollector) StartVotingPhase(at time.Time) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.votingPhaseStart = at
}

func (mc *MetricsCollector) EndVotingPhase(at time.Time) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.votingPhaseEnd = at
}

func (mc *MetricsCollector) GetMetrics() MetricsResponse {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	rejected := make(map[string]int, len(mc.rejected))
	for k, v := range mc.rejected {
		rejected[k] = v
	}
	return MetricsResponse{
		Signing:          mc.signing.metrics(),
		Submission:       mc.submission.metrics(),
		Counting:         mc.counting.metrics(),
		Rejected:         rejected,
		VotingPhaseStart: mc.votingPhaseStart,
		VotingPhaseEnd:   mc.votingPhaseEnd,
	}
}

func (mc *MetricsCollector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.signing = operation{}
	mc.submission = operation{}
	mc.counting = operation{}
	mc.rejected = make(map[string]int)
	mc.votingPhaseStart = time.Time{}
	mc.votingPhaseEnd = time.Time{}
}
