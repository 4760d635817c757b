package orchestrator

import "sync"

// Pool bounds the number of concurrent background tasks so a burst of
// generations cannot spawn unbounded outbound HTTP work.
type Pool struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

func NewPool(size int) *Pool {
	if size <= 0 {
		size = 8
	}
	return &Pool{
		sem: make(chan struct{}, size),
	}
}

// Go runs fn on its own goroutine once a slot is free.
func (p *Pool) Go(fn func()) {
	p.wg.Add(1)
	go func() {
		p.sem <- struct{}{}
		defer func() {
			<-p.sem
			p.wg.Done()
		}()
		fn()
	}()
}

// Wait blocks until all dispatched tasks finish.
func (p *Pool) Wait() {
	p.wg.Wait()
}
