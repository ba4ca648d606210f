// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txparser

import (
	"context"
	"runtime"

	"github.com/btcsuite/walletcore/pkg/btcunit"
	"github.com/btcsuite/walletcore/pkg/cursor"
	"golang.org/x/sync/errgroup"
)

// BlockSize holds the two serialized lengths block weight is derived from.
type BlockSize struct {
	// Base is the length without any witness data.
	Base int

	// Total is the full serialized length.
	Total int
}

// Weight returns the block weight.
func (s BlockSize) Weight() btcunit.WeightUnit {
	return btcunit.TxWeight(s.Base, s.Total)
}

// Size computes the block's sizes with a single sequential pass.
func (b *Block) Size() BlockSize {
	s := b.overhead()
	for _, tx := range b.Transactions {
		s.Base += tx.BaseSize()
		s.Total += tx.TotalSize()
	}

	return s
}

// SizeParallel computes the same result as Size by spreading the per
// transaction work over one worker per CPU and summing the partial results
// in transaction order.
func (b *Block) SizeParallel(ctx context.Context) (BlockSize, error) {
	parts := make([]BlockSize, len(b.Transactions))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())

	for i, tx := range b.Transactions {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			parts[i] = BlockSize{
				Base:  tx.BaseSize(),
				Total: tx.TotalSize(),
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return BlockSize{}, err
	}

	s := b.overhead()
	for _, p := range parts {
		s.Base += p.Base
		s.Total += p.Total
	}

	return s, nil
}

// overhead returns the size of the header and the transaction count.
func (b *Block) overhead() BlockSize {
	n := HeaderSize + cursor.CompactSizeLen(uint64(len(b.Transactions)))

	return BlockSize{Base: n, Total: n}
}
