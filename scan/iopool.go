package scan

import (
	"context"
	"sync"
)

// ioPool runs storage reads on a fixed set of dedicated goroutines, keeping
// potentially blocking transport calls off the goroutines that drive the
// partition pipelines.
//
// Submission is the scheduling contract: a pipeline hands the read over,
// then awaits its completion or its own cancellation, whichever comes first.
// A cancelled submitter returns immediately; the read still runs to
// completion on its worker and its result is discarded.
type ioPool struct {
	tasks chan func()
	quit  chan struct{}
	wait  sync.WaitGroup

	closeOnce sync.Once
}

func newIOPool(numWorkers int) *ioPool {
	p := &ioPool{
		tasks: make(chan func()),
		quit:  make(chan struct{}),
	}
	p.wait.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go p.worker()
	}
	return p
}

func (p *ioPool) worker() {
	defer p.wait.Done()
	for {
		select {
		case task := <-p.tasks:
			task()
		case <-p.quit:
			return
		}
	}
}

// do submits f to the pool and awaits its result. The context bounds the
// waiting only, not f itself: once a worker picks the task up it runs to
// completion.
func (p *ioPool) do(ctx context.Context, f func() ([]byte, error)) ([]byte, error) {
	result := make(chan ioResult, 1)
	task := func() {
		data, err := f()
		result <- ioResult{data: data, err: err}
	}

	select {
	case p.tasks <- task:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.quit:
		return nil, ErrClosed
	}

	select {
	case r := <-result:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// close stops the workers after they finish the tasks they already picked
// up. Reads submitted after close fail with ErrClosed.
func (p *ioPool) close() {
	p.closeOnce.Do(func() { close(p.quit) })
	p.wait.Wait()
}

type ioResult struct {
	data []byte
	err  error
}
