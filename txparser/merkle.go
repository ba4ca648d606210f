// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txparser

import "github.com/btcsuite/btcd/chaincfg/chainhash"

// MerkleRoot computes the bitcoin merkle root of the given leaf hashes. Odd
// levels pair their last element with itself. The root of an empty list is
// the zero hash.
func MerkleRoot(leaves []chainhash.Hash) chainhash.Hash {
	if len(leaves) == 0 {
		return chainhash.Hash{}
	}

	level := make([]chainhash.Hash, len(leaves), len(leaves)+1)
	copy(level, leaves)

	var pair [chainhash.HashSize * 2]byte
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}

		// Each parent is written at or before the children it was
		// computed from, so the level can be reduced in place.
		for i := 0; i < len(level); i += 2 {
			copy(pair[:chainhash.HashSize], level[i][:])
			copy(pair[chainhash.HashSize:], level[i+1][:])
			level[i/2] = chainhash.DoubleHashH(pair[:])
		}
		level = level[:len(level)/2]
	}

	return level[0]
}

// WitnessMerkleRoot computes the root the witness commitment covers: the
// merkle root of all wtxids with the coinbase wtxid replaced by zero.
func WitnessMerkleRoot(txs []*Transaction) chainhash.Hash {
	leaves := make([]chainhash.Hash, len(txs))
	for i := 1; i < len(txs); i++ {
		leaves[i] = txs[i].WitnessHash()
	}

	return MerkleRoot(leaves)
}
