// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// queuedBlock is a fetched block waiting for the writer.
type queuedBlock struct {
	raw    []byte
	height int32
	hash   chainhash.Hash
}

// BlockQueue hands fetched blocks to a single writer. Producers may enqueue
// out of order; the writer applies blocks in height order and holds back
// any block whose predecessor has not arrived. A producer more than
// maxAhead blocks ahead of the writer waits, so at most maxAhead blocks are
// ever held back.
type BlockQueue struct {
	w *Wallet

	blocks chan queuedBlock

	// pending holds blocks that arrived ahead of next. Only the writer
	// touches it.
	pending map[int32]queuedBlock

	maxAhead int32

	// mu guards next and advanced. next is the height the writer waits
	// for, negative until it is known. advanced is closed and replaced
	// whenever next changes.
	mu       sync.Mutex
	next     int32
	advanced chan struct{}
}

// newBlockQueue returns a queue buffering up to size blocks.
func newBlockQueue(w *Wallet, size int) *BlockQueue {
	//nolint:gosec
	maxAhead := int32(max(size, 1))

	return &BlockQueue{
		w:        w,
		blocks:   make(chan queuedBlock, size),
		pending:  make(map[int32]queuedBlock),
		maxAhead: maxAhead,
		next:     -1,
		advanced: make(chan struct{}),
	}
}

// setNext publishes the height the writer waits for and wakes producers
// blocked on it.
func (q *BlockQueue) setNext(next int32) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.next = next
	close(q.advanced)
	q.advanced = make(chan struct{})
}

// waitTurn blocks until height is less than maxAhead blocks past the
// writer.
func (q *BlockQueue) waitTurn(ctx context.Context, height int32) error {
	for {
		q.mu.Lock()
		next, advanced := q.next, q.advanced
		q.mu.Unlock()

		if next < 0 || height < next+q.maxAhead {
			return nil
		}

		select {
		case <-advanced:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Enqueue submits the serialized block raw for height. It blocks while the
// queue is full or height is too far ahead of the writer.
func (q *BlockQueue) Enqueue(ctx context.Context, raw []byte, height int32,
	hash chainhash.Hash) error {

	if err := q.waitTurn(ctx, height); err != nil {
		return err
	}

	select {
	case q.blocks <- queuedBlock{raw: raw, height: height, hash: hash}:
		return nil

	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is the writer loop. next is the first height to apply, or negative to
// start at the first block that arrives. When until is set, Run returns nil
// after applying that height and returns the first apply error. Otherwise
// it runs until ctx is done: a block that fails to apply is dropped along
// with everything pending, and the writer resumes after the ledger tip.
func (q *BlockQueue) Run(ctx context.Context, next int32,
	until fn.Option[int32]) error {

	clear(q.pending)
	q.setNext(next)

	strict := until.IsSome()
	last := until.UnwrapOr(0)

	if strict && next > last {
		return nil
	}

	for {
		var b queuedBlock
		select {
		case b = <-q.blocks:
		case <-ctx.Done():
			return ctx.Err()
		}

		if next < 0 {
			next = b.height
			q.setNext(next)
		}
		if b.height < next {
			log.Debugf("Dropping block %v at height %d, writer is "+
				"at %d", b.hash, b.height, next)

			continue
		}
		q.pending[b.height] = b

		for {
			b, ok := q.pending[next]
			if !ok {
				break
			}
			delete(q.pending, next)

			hash := b.hash
			_, err := q.w.ProcessBlock(ctx, b.raw, b.height, &hash)
			switch {
			case err != nil && strict:
				return err

			case err != nil:
				log.Errorf("Unable to apply block %v at height "+
					"%d: %v", b.hash, b.height, err)

				next, err = q.resume()
				if err != nil {
					return err
				}
				q.setNext(next)

				continue
			}

			if strict && next == last {
				return nil
			}
			next++
			q.setNext(next)
		}
	}
}

// resume clears the pending blocks and returns the height after the ledger
// tip.
func (q *BlockQueue) resume() (int32, error) {
	clear(q.pending)

	height, err := q.w.WalletHeight()
	if err != nil {
		return 0, err
	}
	if height < 0 {
		return -1, nil
	}

	return height + 1, nil
}
