package mqttflow

import (
	"errors"
	"math/bits"
)

var (
	ErrPacketIDExhausted = errors.New("no available packet IDs")
	ErrPacketIDNotFound  = errors.New("packet ID not found")
)

const maxPacketID = 65535

// PacketIDPool allocates packet identifiers (1..Size) lowest first.
// An identifier is never handed out again until it has been released.
// It is not safe for concurrent use; the engine only touches it on its executor.
// MQTT v5.0 spec: Section 2.2.1
type PacketIDPool struct {
	// bit (id-1) is set while id is in use
	words []uint64

	// physical capacity; above target only while a shrink is pending
	capacity int
	target   int

	inUse         int
	pendingShrink int
}

// NewPacketIDPool creates a pool handing out identifiers 1..max.
func NewPacketIDPool(max int) *PacketIDPool {
	max = clampPacketIDMax(max)
	return &PacketIDPool{
		words:    make([]uint64, wordsFor(max)),
		capacity: max,
		target:   max,
	}
}

// Allocate returns the lowest free packet identifier.
func (p *PacketIDPool) Allocate() (uint16, error) {
	limit := wordsFor(p.target)
	for i := 0; i < limit; i++ {
		free := ^p.words[i]
		if free == 0 {
			continue
		}
		id := i*64 + bits.TrailingZeros64(free) + 1
		if id > p.target {
			break
		}
		p.words[i] |= 1 << uint(id-1-i*64)
		p.inUse++
		return uint16(id), nil
	}
	return 0, ErrPacketIDExhausted
}

// Release returns id to the pool.
func (p *PacketIDPool) Release(id uint16) error {
	if !p.IsUsed(id) {
		return ErrPacketIDNotFound
	}

	i, bit := wordBit(id)
	p.words[i] &^= bit
	p.inUse--

	if int(id) > p.target {
		p.pendingShrink--
		if p.pendingShrink == 0 {
			p.truncate()
		}
	}
	return nil
}

// Resize changes the number of identifiers the pool hands out. Growing is
// immediate. When shrinking, identifiers above max that are still in use keep
// the pool at its old capacity until they are all released; their count is
// returned.
func (p *PacketIDPool) Resize(max int) int {
	max = clampPacketIDMax(max)
	p.target = max

	if max > p.capacity {
		words := make([]uint64, wordsFor(max))
		copy(words, p.words)
		p.words = words
		p.capacity = max
	}

	p.pendingShrink = p.countAbove(max)
	if p.pendingShrink == 0 {
		p.truncate()
	}
	return p.pendingShrink
}

// Clear releases every identifier.
func (p *PacketIDPool) Clear() {
	clear(p.words)
	p.inUse = 0
	p.pendingShrink = 0
	p.truncate()
}

// IsUsed returns true if the packet ID is currently in use.
func (p *PacketIDPool) IsUsed(id uint16) bool {
	if id == 0 || int(id) > p.capacity {
		return false
	}
	i, bit := wordBit(id)
	return p.words[i]&bit != 0
}

// InUse returns the count of packet IDs currently in use.
func (p *PacketIDPool) InUse() int {
	return p.inUse
}

// Size returns the highest identifier the pool currently hands out.
func (p *PacketIDPool) Size() int {
	return p.target
}

// PendingShrink returns the number of in-use identifiers above Size.
func (p *PacketIDPool) PendingShrink() int {
	return p.pendingShrink
}

func (p *PacketIDPool) countAbove(max int) int {
	n := 0
	for id := max + 1; id <= p.capacity; id++ {
		if p.IsUsed(uint16(id)) {
			n++
		}
	}
	return n
}

func (p *PacketIDPool) truncate() {
	p.capacity = p.target
	p.words = p.words[:wordsFor(p.target)]
}

func wordBit(id uint16) (int, uint64) {
	n := int(id) - 1
	return n / 64, 1 << uint(n%64)
}

func wordsFor(max int) int {
	return (max + 63) / 64
}

func clampPacketIDMax(max int) int {
	switch {
	case max < 1:
		return 1
	case max > maxPacketID:
		return maxPacketID
	default:
		return max
	}
}
