package main

import (
	"sync"

	"ApkExtractor/pkg/types"
)

// ========================================
// Event Loop - 单线程编排循环
// ========================================

// eventLoop runs closures one at a time on a single goroutine.
// All orchestrator state is touched only from inside these closures.
type eventLoop struct {
	tasks chan func()
	quit  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newEventLoop(buffer int) *eventLoop {
	l := &eventLoop{
		tasks: make(chan func(), buffer),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *eventLoop) run() {
	defer close(l.done)
	for {
		select {
		case fn := <-l.tasks:
			l.exec(fn)
		case <-l.quit:
			// drain what was posted before stop
			for {
				select {
				case fn := <-l.tasks:
					l.exec(fn)
				default:
					return
				}
			}
		}
	}
}

func (l *eventLoop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			LogPanic("loop", r)
		}
	}()
	fn()
}

// post queues fn. It returns false once the loop is stopping.
func (l *eventLoop) post(fn func()) bool {
	select {
	case <-l.quit:
		return false
	default:
	}
	select {
	case l.tasks <- fn:
		return true
	case <-l.quit:
		return false
	}
}

// call runs fn on the loop and waits for it. Must not be used from inside the loop.
func (l *eventLoop) call(fn func() error) error {
	errCh := make(chan error, 1)
	if !l.post(func() { errCh <- fn() }) {
		return types.ErrShutdown
	}
	select {
	case err := <-errCh:
		return err
	case <-l.done:
		select {
		case err := <-errCh:
			return err
		default:
			return types.ErrShutdown
		}
	}
}

// stop asks the loop to finish queued work and exit, then waits for it.
func (l *eventLoop) stop() {
	l.once.Do(func() { close(l.quit) })
	<-l.done
}
