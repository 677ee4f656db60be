package main

import (
	"os"
	"sync"
	"time"
)

// DefaultProgressInterval is the polling period of the progress monitor.
const DefaultProgressInterval = 200 * time.Millisecond

// ProgressReport is one observation of an in-flight pull.
type ProgressReport struct {
	Percent int
	Current int64
	Total   int64
}

// TransferPercent returns min(100, floor(current/total*100)), or 0 when total is unknown.
func TransferPercent(current, total int64) int {
	if total <= 0 || current <= 0 {
		return 0
	}
	if current >= total {
		return 100
	}
	return int(current * 100 / total)
}

// ProgressMonitor polls the size of a local file while adb writes it.
type ProgressMonitor struct {
	path     string
	total    int64
	interval time.Duration
	report   func(ProgressReport)

	last     int
	stop     chan struct{}
	stopOnce sync.Once
}

// NewProgressMonitor creates a monitor; report is called from the monitor goroutine.
func NewProgressMonitor(path string, total int64, interval time.Duration, report func(ProgressReport)) *ProgressMonitor {
	if interval <= 0 {
		interval = DefaultProgressInterval
	}
	return &ProgressMonitor{
		path:     path,
		total:    total,
		interval: interval,
		report:   report,
		last:     -1,
		stop:     make(chan struct{}),
	}
}

// Start begins polling in the background.
func (m *ProgressMonitor) Start() {
	go m.run()
}

func (m *ProgressMonitor) run() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if r, changed := m.sample(); changed {
				select {
				case <-m.stop:
					return
				default:
				}
				m.report(r)
			}
		}
	}
}

// sample reads the current size. A missing file counts as zero bytes.
func (m *ProgressMonitor) sample() (ProgressReport, bool) {
	var current int64
	if info, err := os.Stat(m.path); err == nil {
		current = info.Size()
	}
	r := ProgressReport{Percent: TransferPercent(current, m.total), Current: current, Total: m.total}
	if r.Percent == m.last {
		return r, false
	}
	m.last = r.Percent
	return r, true
}

// Stop ends polling. It never waits for the monitor goroutine.
func (m *ProgressMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}
