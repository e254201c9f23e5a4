package integrity

import (
	"context"
	"errors"
	"sync"
)

// ErrPoolClosed is returned by PoolHasher.Sum after Close.
var ErrPoolClosed = errors.New("integrity: hasher pool closed")

type hashJob struct {
	payload []byte
	reply   chan string
}

// PoolHasher runs SHA-256 on a fixed number of worker goroutines, so that
// parallel fetch channels do not hash on their own goroutines.
type PoolHasher struct {
	jobs chan hashJob
	wg   sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewPoolHasher starts n workers (minimum 1). Call Close to stop them.
func NewPoolHasher(n int) *PoolHasher {
	if n < 1 {
		n = 1
	}
	p := &PoolHasher{jobs: make(chan hashJob)}
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.work()
	}
	return p
}

func (p *PoolHasher) work() {
	defer p.wg.Done()
	for j := range p.jobs {
		j.reply <- Digest(j.payload)
	}
}

// Sum dispatches payload to a worker and waits for the digest.
func (p *PoolHasher) Sum(ctx context.Context, payload []byte) (string, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return "", ErrPoolClosed
	}
	reply := make(chan string, 1)
	select {
	case p.jobs <- hashJob{payload: payload, reply: reply}:
	case <-ctx.Done():
		p.mu.RUnlock()
		return "", ctx.Err()
	}
	p.mu.RUnlock()

	select {
	case sum := <-reply:
		return sum, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close stops the workers and waits for in-flight hashes to finish.
func (p *PoolHasher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}
