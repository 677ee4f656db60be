package main

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/schollz/progressbar/v3"
)

// ========================================
// CLI 下载进度条
// ========================================

// ProgressRenderer draws pull progress events as a terminal progress bar.
type ProgressRenderer struct {
	out   io.Writer
	bar   *progressbar.ProgressBar
	total int64
	wg    sync.WaitGroup
}

// NewProgressRenderer creates a renderer writing to out (stderr when nil).
func NewProgressRenderer(out io.Writer) *ProgressRenderer {
	if out == nil {
		out = os.Stderr
	}
	return &ProgressRenderer{out: out}
}

// Run consumes events until the channel closes. Only progress events are drawn;
// everything else already reaches the console through the logger.
func (p *ProgressRenderer) Run(events <-chan StatusEvent) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for ev := range events {
			if ev.Kind == EventProgress {
				p.update(ev)
			}
		}
		p.abandon()
	}()
}

// Wait blocks until Run has drained its channel.
func (p *ProgressRenderer) Wait() {
	p.wg.Wait()
}

func (p *ProgressRenderer) update(ev StatusEvent) {
	if p.bar == nil || ev.Total != p.total {
		p.start(ev.Total)
	}
	_ = p.bar.Set64(ev.Current)
	if ev.Percent >= 100 {
		p.finish()
	}
}

func (p *ProgressRenderer) start(total int64) {
	p.abandon()
	p.total = total
	if total <= 0 {
		total = -1 // spinner
	}
	out := p.out
	p.bar = progressbar.NewOptions64(total,
		progressbar.OptionSetDescription("pulling"),
		progressbar.OptionSetWriter(out),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(out, "\n")
		}),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func (p *ProgressRenderer) finish() {
	if p.bar != nil {
		_ = p.bar.Finish()
		p.bar = nil
	}
}

// abandon drops an unfinished bar without drawing it as complete.
func (p *ProgressRenderer) abandon() {
	if p.bar != nil {
		_ = p.bar.Exit()
		p.bar = nil
		fmt.Fprint(p.out, "\n")
	}
}
