package pruner

import (
	"encoding/binary"
	"hash"
	"math"
	"math/bits"
	"sync"

	bloomfilter "github.com/holiman/bloomfilter/v2"

	"github.com/celestiaorg/celestia-state-gc/smt"
)

const (
	minBloomBits    = 1024
	maxBloomHashFns = 16
	// defaultFalsePositiveRate is the target used when sizing the reachable set filter.
	defaultFalsePositiveRate = 0.01
)

var _ hash.Hash64 = (*hasher)(nil)

// Bloom is a concurrency safe Bloom filter over node hashes. It never reports a false negative.
type Bloom struct {
	lk     sync.RWMutex
	filter *bloomfilter.Filter
}

// NewBloom creates a filter of the given number of bits and hash functions.
func NewBloom(m, k uint64) (*Bloom, error) {
	filter, err := bloomfilter.New(m, k)
	if err != nil {
		return nil, err
	}
	return &Bloom{filter: filter}, nil
}

// NewBloomFromBytes restores a filter produced by MarshalBinary.
func NewBloomFromBytes(data []byte) (*Bloom, error) {
	b, err := NewBloom(minBloomBits, 1)
	if err != nil {
		return nil, err
	}
	return b, b.UnmarshalBinary(data)
}

// OptimalBloomSize returns the number of bits and hash functions for n elements at the given
// false positive rate. Bits are rounded up to a power of two.
func OptimalBloomSize(n uint64, fpRate float64) (m, k uint64) {
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = defaultFalsePositiveRate
	}
	n = max(n, 1)

	bitsPerElem := -math.Log(fpRate) / (math.Ln2 * math.Ln2)
	total := uint64(math.Ceil(float64(n) * bitsPerElem))
	total = max(total, minBloomBits)
	if total&(total-1) != 0 {
		total = 1 << bits.Len64(total)
	}

	k = uint64(math.Ceil(-math.Log(fpRate) / math.Ln2))
	k = min(max(k, 1), maxBloomHashFns)
	return total, k
}

func (b *Bloom) Add(h smt.Hash) {
	b.lk.Lock()
	defer b.lk.Unlock()
	b.filter.Add(hasher{hash: h})
}

func (b *Bloom) Contains(h smt.Hash) bool {
	b.lk.RLock()
	defer b.lk.RUnlock()
	return b.filter.Contains(hasher{hash: h})
}

// Reset clears the filter keeping its parameters.
func (b *Bloom) Reset() error {
	b.lk.Lock()
	defer b.lk.Unlock()

	fresh, err := bloomfilter.New(b.filter.M(), b.filter.K())
	if err != nil {
		return err
	}
	b.filter = fresh
	return nil
}

func (b *Bloom) Bits() uint64 {
	b.lk.RLock()
	defer b.lk.RUnlock()
	return b.filter.M()
}

func (b *Bloom) HashFns() uint64 {
	b.lk.RLock()
	defer b.lk.RUnlock()
	return b.filter.K()
}

// FilledRatio reports the share of set bits.
func (b *Bloom) FilledRatio() float64 {
	b.lk.RLock()
	defer b.lk.RUnlock()
	return b.filter.PreciseFilledRatio()
}

func (b *Bloom) MarshalBinary() ([]byte, error) {
	b.lk.RLock()
	defer b.lk.RUnlock()
	return b.filter.MarshalBinary()
}

func (b *Bloom) UnmarshalBinary(data []byte) error {
	b.lk.Lock()
	defer b.lk.Unlock()
	return b.filter.UnmarshalBinary(data)
}

// hasher folds all four words of a node hash, so hashes sharing a prefix still spread.
type hasher struct {
	hash.Hash64
	hash smt.Hash
}

func (h hasher) Sum64() uint64 {
	return binary.BigEndian.Uint64(h.hash[0:8]) ^
		binary.BigEndian.Uint64(h.hash[8:16]) ^
		binary.BigEndian.Uint64(h.hash[16:24]) ^
		binary.BigEndian.Uint64(h.hash[24:32])
}

func (h hasher) Size() int {
	return 8
}
