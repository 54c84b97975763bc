package bws

import (
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// channel is one logical HTTP connection slot to a region endpoint (spec
// §4.1.1). BWS is an HTTPS+JSON boundary rather than gRPC, so "channel"
// here means a dedicated *http.Client with its own keep-alive transport;
// outstanding tracks calls currently in flight for least-outstanding-calls
// checkout.
type channel struct {
	httpClient  *http.Client
	outstanding atomic.Int64
	healthy     atomic.Bool
}

func newChannel(keepAlive time.Duration) *channel {
	transport := &http.Transport{
		MaxIdleConns:        1,
		MaxIdleConnsPerHost: 1,
		IdleConnTimeout:     keepAlive,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: keepAlive,
		}).DialContext,
	}
	ch := &channel{httpClient: &http.Client{Transport: transport}}
	ch.healthy.Store(true)
	return ch
}

// channelPool holds a fixed number of channels to one region endpoint and
// checks out the least-loaded one (spec §4.1.1: lazy creation up to
// channelPoolSize, least-outstanding-calls selection, idle channels
// recycled on a keep-alive timer).
type channelPool struct {
	endpoint  string
	size      int
	keepAlive time.Duration

	mu       sync.Mutex
	channels []*channel
}

func newChannelPool(endpoint string, size int, keepAlive time.Duration) *channelPool {
	return &channelPool{endpoint: endpoint, size: size, keepAlive: keepAlive}
}

// Checkout returns the healthy channel with the fewest outstanding calls,
// creating one lazily if the pool has not yet reached its configured size.
// Unhealthy channels are skipped unless every channel in the pool is
// unhealthy, in which case the least-loaded one is returned regardless so a
// total regional outage doesn't wedge the pool.
func (p *channelPool) Checkout() *channel {
	p.mu.Lock()
	if len(p.channels) < p.size {
		ch := newChannel(p.keepAlive)
		p.channels = append(p.channels, ch)
		p.mu.Unlock()
		ch.outstanding.Add(1)
		return ch
	}
	candidates := p.channels
	p.mu.Unlock()

	var best *channel
	var bestLoad int64
	for _, c := range candidates {
		if !c.healthy.Load() {
			continue
		}
		if load := c.outstanding.Load(); best == nil || load < bestLoad {
			best, bestLoad = c, load
		}
	}
	if best == nil {
		best = candidates[0]
		bestLoad = best.outstanding.Load()
		for _, c := range candidates[1:] {
			if load := c.outstanding.Load(); load < bestLoad {
				best, bestLoad = c, load
			}
		}
	}
	best.outstanding.Add(1)
	return best
}

// Release marks a checked-out channel's call as finished.
func (p *channelPool) Release(ch *channel) {
	ch.outstanding.Add(-1)
}

// MarkUnhealthy flags ch as broken at the transport level and removes it
// from the pool so the next Checkout lazily replaces it with a fresh one
// (spec §4.1.1: marked unhealthy, replaced).
func (p *channelPool) MarkUnhealthy(ch *channel) {
	ch.healthy.Store(false)
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, c := range p.channels {
		if c == ch {
			p.channels = append(p.channels[:i], p.channels[i+1:]...)
			return
		}
	}
}

// Len reports how many channels currently exist (for gauge reporting).
func (p *channelPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.channels)
}

// Idle reports how many channels have zero outstanding calls.
func (p *channelPool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	idle := 0
	for _, c := range p.channels {
		if c.outstanding.Load() == 0 {
			idle++
		}
	}
	return idle
}
