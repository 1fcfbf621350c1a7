package consensus

import (
	"sort"
	"sync"
	"time"
)

// historyLimit bounds the outcomes remembered per proposal type.
const historyLimit = 50

type outcome struct {
	approvalRate    float64
	timeToConsensus time.Duration
	approved        bool
}

// TypeStats summarizes finalized proposals of one type.
type TypeStats struct {
	Count              int           `json:"count"`
	Approved           int           `json:"approved"`
	AvgApprovalRate    float64       `json:"avg_approval_rate"`
	AvgTimeToConsensus time.Duration `json:"avg_time_to_consensus"`
}

type typeHistory struct {
	mu     sync.Mutex
	byType map[string][]outcome
}

func newTypeHistory() *typeHistory {
	return &typeHistory{byType: make(map[string][]outcome)}
}

func (h *typeHistory) record(proposalType string, rate float64, elapsed time.Duration, approved bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := append(h.byType[proposalType], outcome{approvalRate: rate, timeToConsensus: elapsed, approved: approved})
	if len(list) > historyLimit {
		list = list[len(list)-historyLimit:]
	}
	h.byType[proposalType] = list
}

func (h *typeHistory) avgTime(proposalType string, fallback time.Duration) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.byType[proposalType]
	if len(list) == 0 {
		return fallback
	}
	var sum time.Duration
	for _, o := range list {
		sum += o.timeToConsensus
	}
	if avg := sum / time.Duration(len(list)); avg > 0 {
		return avg
	}
	return fallback
}

func (h *typeHistory) approvalRate(proposalType string, fallback float64) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.byType[proposalType]
	if len(list) == 0 {
		return fallback
	}
	var sum float64
	for _, o := range list {
		sum += o.approvalRate
	}
	return sum / float64(len(list))
}

func (h *typeHistory) efficiency() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	var sum float64
	n := 0
	for _, list := range h.byType {
		for _, o := range list {
			sum += o.approvalRate
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func (h *typeHistory) stats() map[string]TypeStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	types := make([]string, 0, len(h.byType))
	for t := range h.byType {
		types = append(types, t)
	}
	sort.Strings(types)

	out := make(map[string]TypeStats, len(types))
	for _, t := range types {
		list := h.byType[t]
		var s TypeStats
		var rate float64
		var dur time.Duration
		for _, o := range list {
			s.Count++
			if o.approved {
				s.Approved++
			}
			rate += o.approvalRate
			dur += o.timeToConsensus
		}
		if s.Count > 0 {
			s.AvgApprovalRate = rate / float64(s.Count)
			s.AvgTimeToConsensus = dur / time.Duration(s.Count)
		}
		out[t] = s
	}
	return out
}
