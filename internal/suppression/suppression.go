// Package suppression keeps addresses that must never be mailed: uploaded
// suppression lists and live unsubscribes. Large base lists sit behind a
// bloom filter over raw MD5 hashes so negative lookups stay O(1) and memory
// stays far below a string map; the runtime overlay is a plain set because
// unsubscribes arrive one at a time.
package suppression

import (
	"bufio"
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"sync"
)

// MD5Hash is a raw 16-byte email hash. Lists are matched on hashes so they
// can be shipped without the plaintext addresses.
type MD5Hash [16]byte

// HashEmail hashes a normalized (trimmed, lowercased) address.
func HashEmail(email string) MD5Hash {
	return md5.Sum([]byte(strings.ToLower(strings.TrimSpace(email))))
}

type bloom struct {
	bits      []uint64
	size      uint64
	hashCount uint
}

// newBloom sizes the filter for n expected elements at false-positive rate p
// (m = -n ln p / ln2^2, k = m/n ln2).
func newBloom(n int, p float64) *bloom {
	if n < 1 {
		n = 1
	}
	if p <= 0 || p >= 1 {
		p = 0.001
	}
	m := uint64(-float64(n) * math.Log(p) / (math.Ln2 * math.Ln2))
	if m < 64 {
		m = 64
	}
	m = ((m + 63) / 64) * 64
	k := uint(float64(m) / float64(n) * math.Ln2)
	if k < 1 {
		k = 1
	}
	if k > 16 {
		k = 16
	}
	return &bloom{bits: make([]uint64, m/64), size: m, hashCount: k}
}

// hash derives the i-th probe position by double hashing the two 64-bit
// halves of the MD5.
func (b *bloom) hash(h MD5Hash, i uint) uint64 {
	h1 := binary.LittleEndian.Uint64(h[:8])
	h2 := binary.LittleEndian.Uint64(h[8:])
	return h1 + uint64(i)*h2
}

func (b *bloom) add(h MD5Hash) {
	for i := uint(0); i < b.hashCount; i++ {
		pos := b.hash(h, i) % b.size
		b.bits[pos/64] |= 1 << (pos % 64)
	}
}

func (b *bloom) mayContain(h MD5Hash) bool {
	for i := uint(0); i < b.hashCount; i++ {
		pos := b.hash(h, i) % b.size
		if b.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// List is an immutable suppression list: bloom filter in front of a sorted
// hash array. Lookups that pass the filter are verified by binary search.
type List struct {
	bloom  *bloom
	hashes []MD5Hash
}

// LoadList reads one entry per line: either a plaintext address or a 32-hex
// MD5. Blank lines and # comments are skipped.
func LoadList(r io.Reader) (*List, error) {
	var hashes []MD5Hash
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if len(line) == 32 && isHex(line) {
			raw, err := hex.DecodeString(line)
			if err != nil {
				return nil, fmt.Errorf("bad md5 entry %q: %w", line, err)
			}
			var h MD5Hash
			copy(h[:], raw)
			hashes = append(hashes, h)
			continue
		}
		hashes = append(hashes, HashEmail(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read suppression list: %w", err)
	}

	sort.Slice(hashes, func(i, k int) bool {
		return bytes.Compare(hashes[i][:], hashes[k][:]) < 0
	})
	// Dedupe in place; sorted order makes repeats adjacent.
	uniq := hashes[:0]
	for i, h := range hashes {
		if i == 0 || h != hashes[i-1] {
			uniq = append(uniq, h)
		}
	}
	hashes = uniq

	bl := newBloom(len(hashes), 0.001)
	for _, h := range hashes {
		bl.add(h)
	}
	return &List{bloom: bl, hashes: hashes}, nil
}

// Len returns the number of entries.
func (l *List) Len() int { return len(l.hashes) }

// ContainsHash reports membership of a raw hash.
func (l *List) ContainsHash(h MD5Hash) bool {
	if l == nil || len(l.hashes) == 0 {
		return false
	}
	if !l.bloom.mayContain(h) {
		return false
	}
	i := sort.Search(len(l.hashes), func(i int) bool {
		return bytes.Compare(l.hashes[i][:], h[:]) >= 0
	})
	return i < len(l.hashes) && l.hashes[i] == h
}

// Contains reports membership of an address.
func (l *List) Contains(email string) bool {
	return l.ContainsHash(HashEmail(email))
}

// Set is the runtime suppression surface handed to the sender pool: an
// optional immutable base list plus a mutable overlay fed by unsubscribes.
type Set struct {
	mu      sync.RWMutex
	base    *List
	overlay map[MD5Hash]struct{}
}

// NewSet wraps base (may be nil) with an empty overlay.
func NewSet(base *List) *Set {
	return &Set{base: base, overlay: make(map[MD5Hash]struct{})}
}

// Add suppresses an address from now on.
func (s *Set) Add(email string) {
	h := HashEmail(email)
	s.mu.Lock()
	s.overlay[h] = struct{}{}
	s.mu.Unlock()
}

// AddAll suppresses a batch, typically loaded from the store on boot.
func (s *Set) AddAll(emails []string) {
	s.mu.Lock()
	for _, e := range emails {
		s.overlay[HashEmail(e)] = struct{}{}
	}
	s.mu.Unlock()
}

// Suppressed reports whether email must be skipped. Satisfies the sender
// pool's suppression check.
func (s *Set) Suppressed(email string) bool {
	h := HashEmail(email)
	s.mu.RLock()
	_, hit := s.overlay[h]
	s.mu.RUnlock()
	if hit {
		return true
	}
	return s.base.ContainsHash(h)
}

// Len returns the overlay size plus the base list size.
func (s *Set) Len() int {
	s.mu.RLock()
	n := len(s.overlay)
	s.mu.RUnlock()
	if s.base != nil {
		n += s.base.Len()
	}
	return n
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
