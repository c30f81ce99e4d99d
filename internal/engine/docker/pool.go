package docker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Pool maintains pre-warmed driver containers so session creation never
// waits on a container start.
type Pool struct {
	prov      *Provisioner
	logger    *slog.Logger
	engines   chan *Engine
	done      chan struct{}
	wg        sync.WaitGroup
	startDone sync.Once
}

// NewPool initializes a new engine pool wrapper.
func NewPool(prov *Provisioner, logger *slog.Logger) *Pool {
	return &Pool{
		prov:    prov,
		logger:  logger,
		engines: make(chan *Engine, prov.config.PoolSize),
		done:    make(chan struct{}),
	}
}

// Start begins filling the pool with fresh engines in the background.
func (p *Pool) Start() {
	p.startDone.Do(func() {
		p.logger.Info("starting engine pool manager", slog.Int("poolSize", p.prov.config.PoolSize))
		p.wg.Add(1)
		go p.manager()
	})
}

// Stop shuts down the manager and cleans up all pre-warmed engines.
func (p *Pool) Stop() {
	p.logger.Info("shutting down engine pool")
	close(p.done)
	p.wg.Wait()

	// Drain channel and remove surviving engines
	for {
		select {
		case e := <-p.engines:
			p.closeEngine(e)
		default:
			return
		}
	}
}

// GetEngine returns a ready-to-use engine from the pool.
// It blocks until one is available or the context is canceled.
func (p *Pool) GetEngine(ctx context.Context) (*Engine, error) {
	select {
	case e := <-p.engines:
		return e, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// manager continuously ensures the pool is at capacity.
func (p *Pool) manager() {
	defer p.wg.Done()

	for {
		select {
		case <-p.done:
			return
		default:
			if len(p.engines) < cap(p.engines) {
				e, err := p.createEngine()
				if err != nil {
					p.logger.Error("failed to create pre-warmed engine", slog.String("error", err.Error()))
					time.Sleep(1 * time.Second) // backoff on failure
					continue
				}

				select {
				case p.engines <- e:
					// Successfully added to pool
				case <-p.done:
					// Shutting down while trying to push
					p.closeEngine(e)
					return
				}
			} else {
				// Pool is full, wait a bit
				time.Sleep(100 * time.Millisecond)
			}
		}
	}
}

func (p *Pool) createEngine() (*Engine, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	return p.prov.startEngine(ctx)
}

func (p *Pool) closeEngine(e *Engine) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.Close(ctx); err != nil {
		p.logger.Error("failed to close pooled engine", slog.String("error", err.Error()))
	}
}
