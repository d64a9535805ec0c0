package relay

import "sync"

// Presence counts concurrent viewer streaming connections per channel.
// Channels with zero viewers are removed from the map entirely.
type Presence struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewPresence initialises an empty presence tracker.
func NewPresence() *Presence {
	return &Presence{counts: make(map[string]int)}
}

// Increment records a viewer stream opening and returns the new count.
func (p *Presence) Increment(channelID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[channelID]++
	return p.counts[channelID]
}

// Decrement records a viewer stream closing and returns the new count,
// floored at zero. The map entry is dropped when the count reaches zero.
func (p *Presence) Decrement(channelID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	count, ok := p.counts[channelID]
	if !ok {
		return 0
	}
	count--
	if count <= 0 {
		delete(p.counts, channelID)
		return 0
	}
	p.counts[channelID] = count
	return count
}

// Count returns the current viewer count for the channel, zero if absent.
func (p *Presence) Count(channelID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[channelID]
}

// Total sums viewer counts across all channels.
func (p *Presence) Total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, count := range p.counts {
		total += count
	}
	return total
}

// Clear drops the channel's count, used when a channel is deleted.
func (p *Presence) Clear(channelID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.counts, channelID)
}
