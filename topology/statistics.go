package topology

import "time"

// Statistic is a single sample of the cluster activity.
type Statistic struct {
	Time         int64 `json:"time"`         // Sampling time in epoch milliseconds
	EntityCount  int   `json:"entityCount"`  // Number of entities placed in the tree
	CommandCount int   `json:"commandCount"` // Number of commands processed since the previous sample
}

// Statistics is a fixed size window of samples, ordered from oldest to newest.
type Statistics struct {
	StatisticCount     int         `json:"statisticCount"`
	IntervalTimeMillis int         `json:"intervalTimeMillis"`
	Statistics         []Statistic `json:"statistics"`
}

// NewStatistics creates a window of count samples, pre-filled with zero samples
// spaced interval apart and ending at now, so charts start out full width.
func NewStatistics(count int, interval time.Duration, now time.Time) *Statistics {
	s := &Statistics{
		StatisticCount:     count,
		IntervalTimeMillis: int(interval / time.Millisecond),
		Statistics:         make([]Statistic, 0, count+1),
	}
	start := now.Add(-time.Duration(count-1) * interval)
	for i := 0; i < count; i++ {
		s.Add(Statistic{Time: start.Add(time.Duration(i) * interval).UnixMilli()})
	}
	return s
}

// Add appends a sample, evicting the oldest one if the window is full.
func (s *Statistics) Add(stat Statistic) {
	s.Statistics = append(s.Statistics, stat)
	if len(s.Statistics) > s.StatisticCount {
		s.Statistics = append(s.Statistics[:0], s.Statistics[1:]...)
	}
}

// Copy returns a deep copy of the window, safe to hand to other goroutines.
func (s *Statistics) Copy() *Statistics {
	return &Statistics{
		StatisticCount:     s.StatisticCount,
		IntervalTimeMillis: s.IntervalTimeMillis,
		Statistics:         append([]Statistic(nil), s.Statistics...),
	}
}
