// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package elemindex matches transactions against the script elements of
// wallet keys. The index maps every pubkey, key hash, nested script hash
// and taproot key of the wallet to the key slots it belongs to, behind a
// bloom prefilter so the common case of a foreign script costs one hash.
package elemindex

import (
	"github.com/btcsuite/walletcore/scriptclass"
	"github.com/btcsuite/walletcore/waddrmgr"
	"github.com/cespare/xxhash"
	"github.com/dolthub/swiss"
	"github.com/greatroar/blobloom"
)

const (
	// minCapacity is the smallest number of entries the prefilter is
	// sized for.
	minCapacity = 1024

	// falsePositiveRate is the target false positive rate of the
	// prefilter.
	falsePositiveRate = 1e-4
)

// Index is a set of wallet script elements. It is not safe for concurrent
// mutation; concurrent matching on an index that is no longer modified is
// safe.
type Index struct {
	entries *swiss.Map[string, []waddrmgr.Key]

	filter   *blobloom.Filter
	capacity uint64
}

// New builds an index over the matchable forms of elems.
func New(elems []*waddrmgr.Element) *Index {
	// Every element contributes four entries.
	capacity := max(uint64(len(elems))*4, minCapacity)

	idx := &Index{
		//nolint:gosec
		entries: swiss.NewMap[string, []waddrmgr.Key](uint32(capacity)),
	}
	idx.resetFilter(capacity)

	for _, e := range elems {
		idx.Add(e)
	}

	log.Debugf("Built element index over %d elements (%d entries)",
		len(elems), idx.Len())

	return idx
}

// entryKey is the map key of an element: its kind followed by its data.
func entryKey(el scriptclass.Element) string {
	b := make([]byte, 0, len(el.Data)+1)
	b = append(b, byte(el.Kind))
	b = append(b, el.Data...)

	return string(b)
}

func (i *Index) resetFilter(capacity uint64) {
	i.capacity = capacity
	i.filter = blobloom.NewOptimized(blobloom.Config{
		Capacity: capacity,
		FPRate:   falsePositiveRate,
	})
}

// Add indexes every matchable form of e.
func (i *Index) Add(e *waddrmgr.Element) {
	for _, el := range e.Matchables() {
		i.addEntry(entryKey(el), e.Key)
	}

	// The filter degrades past its capacity, rebuild it larger.
	//nolint:gosec
	if uint64(i.entries.Count()) > i.capacity {
		i.resetFilter(i.capacity * 2)
		i.entries.Iter(func(k string, _ []waddrmgr.Key) bool {
			i.filter.Add(xxhash.Sum64([]byte(k)))
			return false
		})
	}
}

func (i *Index) addEntry(k string, key waddrmgr.Key) {
	keys, _ := i.entries.Get(k)
	for _, existing := range keys {
		if existing == key {
			return
		}
	}

	i.entries.Put(k, append(keys, key))
	i.filter.Add(xxhash.Sum64([]byte(k)))
}

// Len returns the number of distinct entries in the index.
func (i *Index) Len() int {
	return i.entries.Count()
}

// Lookup returns the keys an element belongs to.
func (i *Index) Lookup(el scriptclass.Element) []waddrmgr.Key {
	k := entryKey(el)
	if !i.filter.Has(xxhash.Sum64([]byte(k))) {
		return nil
	}

	keys, _ := i.entries.Get(k)

	return keys
}

// lookupAll returns the keys of every element, in element order and
// without duplicates.
func (i *Index) lookupAll(elems []scriptclass.Element) []waddrmgr.Key {
	var keys []waddrmgr.Key
	seen := make(map[waddrmgr.Key]struct{})

	for _, el := range elems {
		for _, key := range i.Lookup(el) {
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
	}

	return keys
}
