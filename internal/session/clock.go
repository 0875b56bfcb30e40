package session

import (
	"sync"
	"time"
)

// Clock samples elapsed time on a fixed interval and reports it to onTick.
// It is display state only and never touches the evaluation pipeline.
type Clock struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// StartClock starts sampling elapsed every interval until Close is called.
func StartClock(interval time.Duration, elapsed func() time.Duration, onTick func(time.Duration)) *Clock {
	c := &Clock{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go c.run(interval, elapsed, onTick)
	return c
}

func (c *Clock) run(interval time.Duration, elapsed func() time.Duration, onTick func(time.Duration)) {
	defer close(c.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			onTick(elapsed())
		}
	}
}

// Close stops the clock and waits for its goroutine to exit. It is safe to
// call more than once.
func (c *Clock) Close() {
	c.once.Do(func() { close(c.stop) })
	<-c.done
}
