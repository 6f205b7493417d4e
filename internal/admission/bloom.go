package admission

import (
	"hash/maphash"
	"math"
	"sync/atomic"
)

// bloom is a fixed-size, lock-free, insert-only Bloom filter over payment
// ids. It never returns a false negative: once a PID has been inserted,
// Contains always reports true for it. It may return false positives,
// whose rate degrades gracefully as more PIDs are inserted relative to
// the entries the filter was sized for.
//
// There is no remove. A filter sized for the wrong entry count just runs
// at a worse false-positive rate; it is never wrong in the unsafe
// direction.
type bloom struct {
	bits []uint64 // atomic bit-set, len(bits)*64 == m
	m    uint64   // number of bits (sized bit count rounded up to a multiple of 64)
	k    uint64   // number of hash rounds
	seed maphash.Seed
}

// newBloom sizes a filter for entries items at false-positive rate p, per
// the standard m = n*ln(1/p)/(ln2)^2, k = -log2(p) sizing formulas.
func newBloom(entries int, p float64) *bloom {
	if entries < 1 {
		entries = 1
	}
	if p <= 0 || p >= 1 {
		p = 0.01
	}
	n := float64(entries)
	m := math.Ceil(n * math.Log(1/p) / (math.Ln2 * math.Ln2))
	k := math.Ceil(-math.Log2(p))
	if k < 1 {
		k = 1
	}
	words := (uint64(m) + 63) / 64
	if words == 0 {
		words = 1
	}
	return &bloom{
		bits: make([]uint64, words),
		m:    words * 64,
		k:    uint64(k),
		seed: maphash.MakeSeed(),
	}
}

// Insert adds pid to the filter. Idempotent.
func (b *bloom) Insert(pid [8]byte) {
	h1, h2 := b.seedHashes(pid)
	for i := uint64(0); i < b.k; i++ {
		bit := b.combine(h1, h2, i) % b.m
		b.setBit(bit)
	}
}

// Contains reports whether pid may be present. False means definitely
// absent; true means "present, or a false positive".
func (b *bloom) Contains(pid [8]byte) bool {
	h1, h2 := b.seedHashes(pid)
	for i := uint64(0); i < b.k; i++ {
		bit := b.combine(h1, h2, i) % b.m
		if !b.getBit(bit) {
			return false
		}
	}
	return true
}

// seedHashes derives two independent base hashes from pid; combine then
// produces k further hashes from them (Kirsch-Mitzenmacher double
// hashing), avoiding k independent hash function implementations.
func (b *bloom) seedHashes(pid [8]byte) (uint64, uint64) {
	var h1 maphash.Hash
	h1.SetSeed(b.seed)
	h1.Write(pid[:])
	sum1 := h1.Sum64()

	var h2 maphash.Hash
	h2.SetSeed(b.seed)
	h2.Write(pid[:])
	h2.Write([]byte{0xff})
	sum2 := h2.Sum64()

	return sum1, sum2
}

func (b *bloom) combine(h1, h2, i uint64) uint64 {
	return h1 + i*h2
}

func (b *bloom) setBit(i uint64) {
	word, bit := i/64, i%64
	for {
		old := atomic.LoadUint64(&b.bits[word])
		new := old | (uint64(1) << bit)
		if new == old {
			return
		}
		if atomic.CompareAndSwapUint64(&b.bits[word], old, new) {
			return
		}
	}
}

func (b *bloom) getBit(i uint64) bool {
	word, bit := i/64, i%64
	return atomic.LoadUint64(&b.bits[word])&(uint64(1)<<bit) != 0
}
