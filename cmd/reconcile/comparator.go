package reconcile

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// IdentityComparator compares rows by their identity columns only. Each row is read
// with the column name of its own origin, so a source row and a destination row with
// the same identity values are equal even when the columns are named differently.
type IdentityComparator struct {
	pairs []IdentityPair
}

func NewIdentityComparator(pairs []IdentityPair) *IdentityComparator {
	return &IdentityComparator{pairs: pairs}
}

// Pairs returns the identity pairs in their fixed order
func (c *IdentityComparator) Pairs() []IdentityPair { return c.pairs }

func (c *IdentityComparator) column(origin Origin, p IdentityPair) string {
	if origin == Destination {
		return p.Destination
	}
	return p.Source
}

// Check verifies that a schema carries every identity column for its origin
func (c *IdentityComparator) Check(schema *Schema) error {
	if schema == nil {
		return nil
	}
	for _, p := range c.pairs {
		name := c.column(schema.Origin, p)
		if !schema.Has(name) {
			return fmt.Errorf("%w: %s rows have no column %q (identity %s → %s)",
				ErrComparatorMismatch, schema.Origin, name, p.Source, p.Destination)
		}
	}
	return nil
}

// Equal is true when every identity pair holds equal values on both rows
func (c *IdentityComparator) Equal(a, b *Row) bool {
	if a == nil || b == nil {
		return false
	}
	for _, p := range c.pairs {
		av, ok := a.Value(c.column(a.Origin(), p))
		if !ok {
			return false
		}
		bv, ok := b.Value(c.column(b.Origin(), p))
		if !ok {
			return false
		}
		if !av.Equal(bv) {
			return false
		}
	}
	return true
}

// Hash XORs the identity value hashes, each re-hashed with its pair position so
// that equal or swapped values in different columns do not cancel out. A nil row
// hashes to 0.
func (c *IdentityComparator) Hash(row *Row) uint64 {
	if row == nil {
		return 0
	}
	var h uint64
	var buf [16]byte
	for i, p := range c.pairs {
		v, ok := row.Value(c.column(row.Origin(), p))
		if !ok {
			continue
		}
		binary.LittleEndian.PutUint64(buf[:8], uint64(i))
		binary.LittleEndian.PutUint64(buf[8:], v.Hash())
		h ^= xxhash.Sum64(buf[:])
	}
	return h
}

// Identity returns the identity values of a row keyed by its own column names
func (c *IdentityComparator) Identity(row *Row) map[string]string {
	m := make(map[string]string, len(c.pairs))
	for _, p := range c.pairs {
		name := c.column(row.Origin(), p)
		v, _ := row.Value(name)
		m[name] = v.String()
	}
	return m
}

// Describe renders the identity of a row as "col:= value ; " pairs
func (c *IdentityComparator) Describe(row *Row) string {
	var b strings.Builder
	for _, p := range c.pairs {
		name := c.column(row.Origin(), p)
		v, _ := row.Value(name)
		fmt.Fprintf(&b, "%s:= %s ; ", name, v.String())
	}
	return b.String()
}

// IdentitySet is a hash set of rows keyed by the comparator's hash and equality
type IdentitySet struct {
	cmp     *IdentityComparator
	buckets map[uint64][]*Row
	size    int
}

func (c *IdentityComparator) NewSet(capacity int) *IdentitySet {
	return &IdentitySet{
		cmp:     c,
		buckets: make(map[uint64][]*Row, capacity),
	}
}

// Add inserts a row unless an equal row is already present
func (s *IdentitySet) Add(row *Row) {
	if row == nil {
		return
	}
	h := s.cmp.Hash(row)
	for _, r := range s.buckets[h] {
		if s.cmp.Equal(r, row) {
			return
		}
	}
	s.buckets[h] = append(s.buckets[h], row)
	s.size++
}

func (s *IdentitySet) Contains(row *Row) bool {
	if row == nil {
		return false
	}
	for _, r := range s.buckets[s.cmp.Hash(row)] {
		if s.cmp.Equal(r, row) {
			return true
		}
	}
	return false
}

func (s *IdentitySet) Len() int { return s.size }

// Missing returns the rows of source that have no equal row in window
func (c *IdentityComparator) Missing(source, window *Chunk) []*Row {
	set := c.NewSet(window.Len())
	if window != nil {
		for _, r := range window.Rows {
			set.Add(r)
		}
	}

	var missing []*Row
	if source == nil {
		return missing
	}
	for _, r := range source.Rows {
		if !set.Contains(r) {
			missing = append(missing, r)
		}
	}
	return missing
}
