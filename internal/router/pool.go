package router

import (
	"context"
	"errors"
	"sync"

	"github.com/wenbnb/wenbnb/pkg/channel"
)

// ErrPoolClosed is returned by Submit after Close.
var ErrPoolClosed = errors.New("router: pool closed")

// Pool fans updates out to a fixed set of workers. Every update for a chat
// goes to the same worker, so per-chat order is the delivery order. One
// worker means fully sequential dispatch.
type Pool struct {
	ctx     context.Context
	handle  channel.UpdateHandler
	workers []chan channel.Update

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewPool starts n workers (at least one), each with a queue of depth.
func NewPool(ctx context.Context, n, depth int, handle channel.UpdateHandler) *Pool {
	if n < 1 {
		n = 1
	}
	if depth < 1 {
		depth = 64
	}
	p := &Pool{ctx: ctx, handle: handle, workers: make([]chan channel.Update, n)}
	for i := range p.workers {
		ch := make(chan channel.Update, depth)
		p.workers[i] = ch
		p.wg.Add(1)
		go p.run(ch)
	}
	return p
}

func (p *Pool) run(ch chan channel.Update) {
	defer p.wg.Done()
	for upd := range ch {
		p.handle(p.ctx, upd)
	}
}

// Submit queues upd on its chat's worker. It blocks while that queue is
// full.
func (p *Pool) Submit(upd channel.Update) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.workers[p.shard(upd.ChatID)] <- upd
	return nil
}

// Handler adapts Submit to channel.UpdateHandler.
func (p *Pool) Handler() channel.UpdateHandler {
	return func(_ context.Context, upd channel.Update) {
		_ = p.Submit(upd)
	}
}

// Close stops accepting updates, drains the queues and waits for workers.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, ch := range p.workers {
		close(ch)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) shard(chatID int64) int {
	u := uint64(chatID)
	u ^= u >> 33
	u *= 0xff51afd7ed558ccd
	u ^= u >> 33
	return int(u % uint64(len(p.workers)))
}
