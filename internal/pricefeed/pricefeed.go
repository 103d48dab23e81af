// Package pricefeed polls quotes in the background and caches the latest
// values. The poller only ever writes cached fields; it never drives state
// transitions.
package pricefeed

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/schrute_spreads/internal/broker"
)

// Tick is one cached quote observation.
type Tick struct {
	Symbol string
	Bid    float64
	Ask    float64
	Last   float64
	At     time.Time
}

// Cache holds the most recent tick per symbol.
type Cache struct {
	mu    sync.RWMutex
	ticks map[string]Tick
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{ticks: make(map[string]Tick)}
}

// Put stores the tick.
func (c *Cache) Put(t Tick) {
	c.mu.Lock()
	c.ticks[t.Symbol] = t
	c.mu.Unlock()
}

// Get returns the latest tick for the symbol.
func (c *Cache) Get(symbol string) (Tick, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.ticks[symbol]
	return t, ok
}

// Last returns the last trade price for the symbol, or 0 when unknown.
func (c *Cache) Last(symbol string) float64 {
	t, ok := c.Get(symbol)
	if !ok {
		return 0
	}
	return t.Last
}

// Poller fetches quotes for a set of symbols on an interval and feeds them
// through a channel into the cache.
type Poller struct {
	broker   broker.Broker
	cache    *Cache
	logger   *logrus.Logger
	symbols  []string
	interval time.Duration
}

// NewPoller builds a poller for the given symbols.
func NewPoller(b broker.Broker, cache *Cache, logger *logrus.Logger,
	interval time.Duration, symbols ...string) *Poller {
	if interval == 0 {
		interval = 5 * time.Second
	}
	return &Poller{
		broker:   b,
		cache:    cache,
		logger:   logger,
		symbols:  symbols,
		interval: interval,
	}
}

// Run polls until ctx is canceled. The producer goroutine sends ticks over
// a channel; the consumer loop only writes the cache.
func (p *Poller) Run(ctx context.Context) error {
	ch := make(chan Tick, len(p.symbols)+1)

	go func() {
		defer close(ch)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, sym := range p.symbols {
					q, err := p.broker.GetQuote(ctx, sym)
					if err != nil {
						p.logger.WithError(err).WithField("symbol", sym).
							Debug("price poll failed")
						continue
					}
					select {
					case ch <- Tick{Symbol: sym, Bid: q.Bid, Ask: q.Ask, Last: q.Last, At: time.Now().UTC()}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	for t := range ch {
		p.cache.Put(t)
	}
	return ctx.Err()
}
