// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package waddrmgr

// branch maintains the watched window of one subchain of a subaccount.
//
// A branch supports operations for:
//   - Expanding the look-ahead horizon based on which indexes are in use.
//   - Reporting an invalid child index that falls into the horizon.
//   - Reporting that an index has been used or generated.
//   - Looking up the element derived at a particular index.
type branch struct {
	// lookahead is the number of valid indexes watched past the highest
	// used or generated index.
	lookahead uint32

	// horizon is one past the highest index watched by this branch.
	horizon uint32

	// next is the index the next call to GenerateNext hands out.
	next uint32

	// nextUnfound is the successor of the highest index seen in a
	// transaction.
	nextUnfound uint32

	// elements maps a child index to its element in the manager arena.
	elements map[uint32]ElementIndex

	// invalidChildren records the indexes that derive to invalid keys.
	invalidChildren map[uint32]struct{}
}

func newBranch(lookahead uint32) *branch {
	return &branch{
		lookahead:       lookahead,
		elements:        make(map[uint32]ElementIndex),
		invalidChildren: make(map[uint32]struct{}),
	}
}

// base returns the first index that is neither generated nor used given
// the two high-water marks.
func base(next, nextUnfound uint32) uint32 {
	return max(next, nextUnfound)
}

// numInvalidInHorizon counts the invalid children between from and the
// current horizon. These are replaced by additional derivations so the
// window always holds lookahead valid keys.
func (b *branch) numInvalidInHorizon(from uint32) uint32 {
	var n uint32
	for idx := range b.invalidChildren {
		if from <= idx && idx < b.horizon {
			n++
		}
	}

	return n
}

// wantHorizon returns the horizon required once the high-water marks
// become next and nextUnfound.
func (b *branch) wantHorizon(next, nextUnfound uint32) uint32 {
	from := base(next, nextUnfound)
	want := from + b.lookahead + b.numInvalidInHorizon(from)

	return max(want, b.horizon)
}

// markInvalidChild records that index derives to an invalid key.
func (b *branch) markInvalidChild(index uint32) {
	b.invalidChildren[index] = struct{}{}
}

// isInvalid reports whether index is a known invalid child.
func (b *branch) isInvalid(index uint32) bool {
	_, ok := b.invalidChildren[index]
	return ok
}

// apply installs committed high-water marks and horizon.
func (b *branch) apply(next, nextUnfound, horizon uint32) {
	b.next = max(b.next, next)
	b.nextUnfound = max(b.nextUnfound, nextUnfound)
	b.horizon = max(b.horizon, horizon)
}

// element returns the arena index of the element derived at index.
func (b *branch) element(index uint32) (ElementIndex, bool) {
	e, ok := b.elements[index]
	return e, ok
}
