// Package profiler times named operations and reports their statistics.
package profiler

import (
	"fmt"
	"io"
	"runtime"
	"sort"
	"sync"
	"text/tabwriter"
	"time"
)

// Profiler tracks operation timings and custom metrics. It is safe for
// concurrent use.
type Profiler struct {
	mu         sync.Mutex
	startTime  time.Time
	maxSamples int
	startMem   runtime.MemStats

	operations map[string]*TimeTracker
	metrics    map[string]*MetricTracker
}

// TimeTracker tracks timing statistics for one operation.
type TimeTracker struct {
	durations []time.Duration
	totalTime time.Duration
	minTime   time.Duration
	maxTime   time.Duration
	count     int64
}

// MetricTracker tracks statistics for a custom metric.
type MetricTracker struct {
	sum   float64
	min   float64
	max   float64
	count int64
}

// OperationStats is a snapshot of one operation.
type OperationStats struct {
	Name  string        `json:"name"`
	Count int64         `json:"count"`
	Total time.Duration `json:"total"`
	Mean  time.Duration `json:"mean"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
}

// MetricStats is a snapshot of one custom metric.
type MetricStats struct {
	Name  string  `json:"name"`
	Count int64   `json:"count"`
	Mean  float64 `json:"mean"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// New creates a profiler keeping at most maxSamples durations per operation
// for percentiles (default 10000).
func New(maxSamples int) *Profiler {
	if maxSamples <= 0 {
		maxSamples = 10000
	}
	p := &Profiler{
		startTime:  time.Now(),
		maxSamples: maxSamples,
		operations: make(map[string]*TimeTracker),
		metrics:    make(map[string]*MetricTracker),
	}
	runtime.ReadMemStats(&p.startMem)
	return p
}

// StartOperation begins timing an operation.
//
// Returns:
//   - A function to call when the operation completes
func (p *Profiler) StartOperation(name string) func() {
	start := time.Now()
	return func() {
		p.Record(name, time.Since(start))
	}
}

// Record adds one duration for name.
func (p *Profiler) Record(name string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tracker, ok := p.operations[name]
	if !ok {
		tracker = &TimeTracker{minTime: d, maxTime: d}
		p.operations[name] = tracker
	}

	tracker.durations = append(tracker.durations, d)
	if len(tracker.durations) > p.maxSamples {
		tracker.durations = tracker.durations[1:]
	}
	tracker.totalTime += d
	tracker.count++
	if d < tracker.minTime {
		tracker.minTime = d
	}
	if d > tracker.maxTime {
		tracker.maxTime = d
	}
}

// RecordMetric records a custom metric value.
func (p *Profiler) RecordMetric(name string, value float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tracker, ok := p.metrics[name]
	if !ok {
		tracker = &MetricTracker{min: value, max: value}
		p.metrics[name] = tracker
	}
	tracker.sum += value
	tracker.count++
	if value < tracker.min {
		tracker.min = value
	}
	if value > tracker.max {
		tracker.max = value
	}
}

// Operations returns per-operation statistics sorted by name.
func (p *Profiler) Operations() []OperationStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := make([]OperationStats, 0, len(p.operations))
	for name, tracker := range p.operations {
		sorted := append([]time.Duration(nil), tracker.durations...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		stats = append(stats, OperationStats{
			Name:  name,
			Count: tracker.count,
			Total: tracker.totalTime,
			Mean:  tracker.totalTime / time.Duration(tracker.count),
			Min:   tracker.minTime,
			Max:   tracker.maxTime,
			P50:   percentile(sorted, 0.50),
			P95:   percentile(sorted, 0.95),
		})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// Metrics returns custom metric statistics sorted by name.
func (p *Profiler) Metrics() []MetricStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := make([]MetricStats, 0, len(p.metrics))
	for name, tracker := range p.metrics {
		stats = append(stats, MetricStats{
			Name:  name,
			Count: tracker.count,
			Mean:  tracker.sum / float64(tracker.count),
			Min:   tracker.min,
			Max:   tracker.max,
		})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// percentile uses nearest rank on sorted durations.
func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	i := int(q*float64(len(sorted))+0.5) - 1
	if i < 0 {
		i = 0
	}
	if i >= len(sorted) {
		i = len(sorted) - 1
	}
	return sorted[i]
}

// Report writes a timing table, custom metrics and memory usage since New.
func (p *Profiler) Report(w io.Writer) error {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "OPERATION\tCOUNT\tMEAN\tP50\tP95\tMIN\tMAX\n")
	for _, s := range p.Operations() {
		fmt.Fprintf(tw, "%s\t%d\t%v\t%v\t%v\t%v\t%v\n", s.Name, s.Count,
			s.Mean.Truncate(time.Microsecond),
			s.P50.Truncate(time.Microsecond),
			s.P95.Truncate(time.Microsecond),
			s.Min.Truncate(time.Microsecond),
			s.Max.Truncate(time.Microsecond))
	}

	if metrics := p.Metrics(); len(metrics) > 0 {
		fmt.Fprintf(tw, "\nMETRIC\tCOUNT\tMEAN\tMIN\tMAX\n")
		for _, m := range metrics {
			fmt.Fprintf(tw, "%s\t%d\t%.4f\t%.4f\t%.4f\n", m.Name, m.Count, m.Mean, m.Min, m.Max)
		}
	}

	p.mu.Lock()
	start := p.startMem
	uptime := time.Since(p.startTime)
	p.mu.Unlock()

	fmt.Fprintf(tw, "\nElapsed: %v\n", uptime.Truncate(time.Millisecond))
	fmt.Fprintf(tw, "Allocated: %s\n", formatBytes(mem.TotalAlloc-start.TotalAlloc))
	fmt.Fprintf(tw, "Heap in use: %s\n", formatBytes(mem.HeapAlloc))
	fmt.Fprintf(tw, "GC cycles: %d\n", mem.NumGC-start.NumGC)
	return tw.Flush()
}

// formatBytes formats byte counts in human-readable format.
func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
