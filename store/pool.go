package store

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	DefaultPoolSize       = 10
	DefaultAcquireTimeout = 30 * time.Second
)

type PoolConfig struct {
	Path           string
	Size           int
	AcquireTimeout time.Duration
	BusyTimeout    time.Duration
	Debug          bool
}

// conn is one open catalog connection owned by the pool.
type conn struct {
	id int
	db *gorm.DB
}

// Handle is the lease of one connection for a single acquisition. Each
// Acquire returns a fresh Handle, so releasing a stale lease cannot hand back
// a connection someone else holds.
type Handle struct {
	conn     *conn
	released atomic.Bool
}

// DB returns the gorm handle. It must not be used after Release.
func (h *Handle) DB() *gorm.DB { return h.conn.db }

// Pool bounds the number of live catalog handles. SQLite serializes writers
// itself; the pool only limits concurrency and reuses open connections.
type Pool struct {
	log     *zap.Logger
	timeout time.Duration
	size    int

	free chan *conn
	done chan struct{}

	mu     sync.Mutex
	closed bool
	inUse  atomic.Int64
}

// NewPool opens every handle up front. The first handle migrates the schema so
// bootstrap runs exactly once.
func NewPool(ctx context.Context, cfg PoolConfig, log *zap.Logger) (*Pool, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, ErrValidation.New("database path is required")
	}
	if cfg.Size <= 0 {
		cfg.Size = DefaultPoolSize
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}

	p := &Pool{
		log:     log,
		timeout: cfg.AcquireTimeout,
		size:    cfg.Size,
		free:    make(chan *conn, cfg.Size),
		done:    make(chan struct{}),
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < cfg.Size; i++ {
		if err := ctx.Err(); err != nil {
			return nil, errs.Combine(err, p.drainLocked())
		}
		db, err := OpenDB(cfg.Path, cfg.BusyTimeout, i == 0, cfg.Debug)
		if err != nil {
			return nil, errs.Combine(ErrDatabase.Wrap(err), p.drainLocked())
		}
		p.free <- &conn{id: i, db: db}
	}
	log.Debug("catalog pool ready", zap.String("path", cfg.Path), zap.Int("size", cfg.Size))
	return p, nil
}

// Acquire waits up to timeout for a free handle. A non-positive timeout uses
// the configured default. On timeout it fails with ErrPoolExhausted and holds
// nothing.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Handle, error) {
	if timeout <= 0 {
		timeout = p.timeout
	}
	select {
	case <-p.done:
		return nil, ErrPoolClosed
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c := <-p.free:
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			_ = closeDB(c.db)
			return nil, ErrPoolClosed
		}
		p.inUse.Add(1)
		return &Handle{conn: c}, nil
	case <-p.done:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrPoolExhausted.New("no handle available within %s (size %d)", timeout, p.size)
	}
}

// Release returns the leased connection to the free set. Releasing the same
// Handle again is ignored, even after its connection was leased to someone
// else.
func (p *Pool) Release(h *Handle) {
	if h == nil {
		return
	}
	if !h.released.CompareAndSwap(false, true) {
		p.log.Warn("handle released twice", zap.Int("handle", h.conn.id))
		return
	}
	p.inUse.Add(-1)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		if err := closeDB(h.conn.db); err != nil {
			p.log.Warn("close handle", zap.Int("handle", h.conn.id), zap.Error(err))
		}
		return
	}
	p.free <- h.conn
}

// With runs fn on an acquired handle and releases it on every exit path.
func (p *Pool) With(ctx context.Context, fn func(db *gorm.DB) error) error {
	h, err := p.Acquire(ctx, 0)
	if err != nil {
		return err
	}
	defer p.Release(h)
	return fn(h.DB().WithContext(ctx))
}

// CloseAll closes the free handles. Handles still in use are closed as they
// are released. Acquire fails afterwards.
func (p *Pool) CloseAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.done)
	return p.drainLocked()
}

func (p *Pool) drainLocked() error {
	var group errs.Group
	for {
		select {
		case c := <-p.free:
			group.Add(closeDB(c.db))
		default:
			return group.Err()
		}
	}
}

type PoolStats struct {
	Size  int
	Idle  int
	InUse int
}

func (p *Pool) Stats() PoolStats {
	return PoolStats{Size: p.size, Idle: len(p.free), InUse: int(p.inUse.Load())}
}
