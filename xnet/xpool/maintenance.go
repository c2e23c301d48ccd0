package xpool

import (
	"context"
	"log/slog"
	"time"
)

func (m *PoolMap) start(ctx context.Context, interval time.Duration) {
	if m.cfg.idleTimeout <= 0 && m.cfg.maxLifespan <= 0 {
		// nothing ages out; stale conns are still caught on acquire
		m.stop = func() {}
		return
	}

	ctx, m.stop = context.WithCancel(ctx)
	ctxDone := ctx.Done()

	tmr := time.NewTicker(interval)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer tmr.Stop()

		for {
			// check if the context is done before entering the randomized select block
			select {
			case <-ctxDone:
				return
			default:
			}

			select {
			case <-ctxDone:
				return
			case <-tmr.C:
			}

			m.evictIdle(ctx)
		}
	}()
}

func (m *PoolMap) shutdown() {
	m.stop()
	m.wg.Wait()
}

// evictIdle closes idle connections that outlived the idle timeout or their
// max lifespan, or that the server has closed.
func (m *PoolMap) evictIdle(ctx context.Context) {
	m.partitions.Range(func(key ChannelKey, p *partition) bool {
		var evicted int

		p.idle.WithWriteLock(func(idleConnsPtr *[]*Conn) {
			idleConns := *idleConnsPtr
			kept := idleConns[:0]

			for _, c := range idleConns {
				if err := p.checkIdle(c); err == nil {
					kept = append(kept, c)
					continue
				}

				func() {
					defer func() {
						if r := recover(); r != nil {
							m.cfg.logger.LogAttrs(ctx, slog.LevelError,
								"panic: pooled connection Close",
								slog.String("remediation", "recovered and ignored"),
								slog.Any("recover", r),
							)
						}
					}()

					ignoredErr := c.Close()
					_ = ignoredErr
				}()
				evicted++
			}

			clear(idleConns[len(kept):])
			*idleConnsPtr = kept
		})

		if evicted > 0 {
			m.cfg.logger.LogAttrs(ctx, slog.LevelDebug,
				"evicted idle connections",
				slog.String("key", key.String()),
				slog.Int("evicted", evicted),
			)
		}

		return true
	})
}
