package bws

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestChannelPool_CreatesLazilyUpToSize(t *testing.T) {
	p := newChannelPool("https://eu.bws.example", 2, time.Second)
	assert.Equal(t, 0, p.Len())

	ch1 := p.Checkout()
	assert.Equal(t, 1, p.Len())
	ch2 := p.Checkout()
	assert.Equal(t, 2, p.Len())
	assert.NotSame(t, ch1, ch2)

	// Pool is full; a third checkout must reuse an existing channel.
	ch3 := p.Checkout()
	assert.Equal(t, 2, p.Len())
	assert.True(t, ch3 == ch1 || ch3 == ch2)
}

func TestChannelPool_ChecksOutLeastOutstanding(t *testing.T) {
	p := newChannelPool("https://eu.bws.example", 2, time.Second)
	ch1 := p.Checkout()
	ch2 := p.Checkout()

	// ch1 and ch2 both have 1 outstanding from creation. Release ch2 so it
	// becomes the least-loaded.
	p.Release(ch2)

	picked := p.Checkout()
	assert.Same(t, ch2, picked)
	assert.NotSame(t, ch1, picked)
}

func TestChannelPool_IdleCountsZeroOutstandingChannels(t *testing.T) {
	p := newChannelPool("https://eu.bws.example", 2, time.Second)
	ch1 := p.Checkout()
	p.Checkout()

	p.Release(ch1)
	assert.Equal(t, 1, p.Idle())
}

func TestChannelPool_MarkUnhealthyRemovesAndReplacesChannel(t *testing.T) {
	p := newChannelPool("https://eu.bws.example", 2, time.Second)
	ch1 := p.Checkout()
	ch2 := p.Checkout()
	p.Release(ch1)
	p.Release(ch2)

	p.MarkUnhealthy(ch1)
	assert.Equal(t, 1, p.Len(), "unhealthy channel is removed from the pool")

	picked := p.Checkout()
	assert.NotSame(t, ch1, picked, "a fresh channel replaces the unhealthy one")
}

func TestChannelPool_ChecksOutOnlyHealthyChannelsWhenSomeRemain(t *testing.T) {
	p := newChannelPool("https://eu.bws.example", 2, time.Second)
	ch1 := p.Checkout()
	ch2 := p.Checkout()
	p.Release(ch1)
	p.Release(ch2)

	ch1.healthy.Store(false)
	picked := p.Checkout()
	assert.Same(t, ch2, picked)
}
