package connpool

import (
	"context"
	"database/sql/driver"
	"errors"

	"github.com/rs/zerolog/log"
)

// WithConnection acquires a connection, runs fn with it and gives it back on every
// exit path. The connection is invalidated instead of released when it was marked
// unusable, when fn returns ErrBadConn or driver.ErrBadConn, when ctx ended while fn
// was running with an error, or when fn panics. A panic is re-raised after cleanup.
func (p *Pool[T]) WithConnection(ctx context.Context, fn func(ctx context.Context, c *Conn[T]) error) (err error) {
	c, err := p.Acquire(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			c.RecordError()
			p.giveBack(c, true)
			panic(r)
		}
		if err != nil {
			c.RecordError()
		}
		p.giveBack(c, poisoned(ctx, c, err))
	}()

	return fn(ctx, c)
}

func poisoned[T any](ctx context.Context, c *Conn[T], err error) bool {
	switch {
	case c.Unusable():
		return true
	case errors.Is(err, ErrBadConn), errors.Is(err, driver.ErrBadConn):
		return true
	case err != nil && ctx.Err() != nil:
		return true
	default:
		return false
	}
}

func (p *Pool[T]) giveBack(c *Conn[T], invalidate bool) {
	var err error
	if invalidate {
		err = p.Invalidate(c)
	} else {
		err = p.Release(c)
	}
	if err != nil {
		log.Warn().
			Err(err).
			Str("pool", p.name).
			Str("conn_id", c.id).
			Bool("invalidate", invalidate).
			Msg("Failed to return connection")
	}
}
