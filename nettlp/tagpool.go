package nettlp

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"
)

// ErrTagsExhausted indicates every tag is attached to an in-flight
// transaction. It signals backpressure; callers retry after an
// outstanding transaction resolves.
var ErrTagsExhausted = errors.New("nettlp: all tags in flight")

// MaxTags is the number of tags an 8-bit tag field can distinguish.
const MaxTags = 256

// TagPool dispenses transaction tags, guaranteeing at most one
// in-flight transaction per tag. Allocation always returns the lowest
// free tag. Safe for concurrent use.
type TagPool struct {
	mu    sync.Mutex
	free  [MaxTags / 64]uint64
	limit int
}

// NewTagPool builds a pool dispensing tags 0 through limit-1.
func NewTagPool(limit int) (*TagPool, error) {
	if limit < 1 || limit > MaxTags {
		return nil, fmt.Errorf("nettlp: tag limit %d outside [1, %d]", limit, MaxTags)
	}
	p := &TagPool{limit: limit}
	for tag := 0; tag < limit; tag++ {
		p.free[tag/64] |= 1 << (tag % 64)
	}
	return p, nil
}

// Allocate takes the lowest free tag, or fails with ErrTagsExhausted
// when every tag is in flight.
func (p *TagPool) Allocate() (uint8, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for w, word := range p.free {
		if word == 0 {
			continue
		}
		bit := bits.TrailingZeros64(word)
		p.free[w] &^= 1 << bit
		return uint8(w*64 + bit), nil
	}
	return 0, ErrTagsExhausted
}

// Release returns a tag to the free set. Releasing a tag that is not
// currently allocated panics: it means two paths believe they own the
// same transaction, a correlation bug that must not be papered over.
func (p *TagPool) Release(tag uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(tag) >= p.limit || p.free[tag/64]&(1<<(tag%64)) != 0 {
		panic(fmt.Sprintf("nettlp: release of unallocated tag %d", tag))
	}
	p.free[tag/64] |= 1 << (tag % 64)
}

// InFlight reports how many tags are currently allocated.
func (p *TagPool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.limit
	for _, word := range p.free {
		n -= bits.OnesCount64(word)
	}
	return n
}
