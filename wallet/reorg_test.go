package wallet

import (
	"context"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/walletcore/txparser"
	"github.com/btcsuite/walletcore/waddrmgr"
	"github.com/btcsuite/walletcore/wtxmgr"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// mockChainSource is a mock implementation of the ChainSource interface.
type mockChainSource struct {
	mock.Mock
}

// A compile-time assertion to ensure that mockChainSource implements the
// ChainSource interface.
var _ ChainSource = (*mockChainSource)(nil)

// GetBestBlock implements the ChainSource interface.
func (m *mockChainSource) GetBestBlock() (*chainhash.Hash, int32, error) {
	args := m.Called()
	return args.Get(0).(*chainhash.Hash), args.Get(1).(int32), args.Error(2)
}

// GetBlockHashes implements the ChainSource interface.
func (m *mockChainSource) GetBlockHashes(start,
	end int64) ([]chainhash.Hash, error) {

	args := m.Called(start, end)
	return args.Get(0).([]chainhash.Hash), args.Error(1)
}

// GetBlock implements the ChainSource interface.
func (m *mockChainSource) GetBlock(hash *chainhash.Hash) ([]byte, error) {
	args := m.Called(hash)
	return args.Get(0).([]byte), args.Error(1)
}

// testChain is a branch of serialized test blocks indexed by height.
type testChain struct {
	t      *testing.T
	fork   byte
	raws   map[int32][]byte
	hashes map[int32]chainhash.Hash
}

func newTestChain(t *testing.T, fork byte) *testChain {
	return &testChain{
		t:      t,
		fork:   fork,
		raws:   make(map[int32][]byte),
		hashes: make(map[int32]chainhash.Hash),
	}
}

// add builds the block at height on top of the branch.
func (c *testChain) add(height int32, txs ...*wire.MsgTx) chainhash.Hash {
	raw, hash := makeBlock(c.t, c.hashes[height-1], height, c.fork, txs...)
	c.raws[height] = raw
	c.hashes[height] = hash

	return hash
}

// branch returns a new branch sharing the blocks up to height.
func (c *testChain) branch(fork byte, height int32) *testChain {
	b := newTestChain(c.t, fork)
	for h := int32(0); h <= height; h++ {
		if raw, ok := c.raws[h]; ok {
			b.raws[h] = raw
			b.hashes[h] = c.hashes[h]
		}
	}

	return b
}

// hashRange returns the hashes from start to end. Heights without a block
// get a hash unique to the branch, as a chain source would have.
func (c *testChain) hashRange(start, end int32) []chainhash.Hash {
	var hashes []chainhash.Hash
	for h := start; h <= end; h++ {
		hash, ok := c.hashes[h]
		if !ok {
			hash = chainhash.HashH([]byte{'r', c.fork, byte(h)})
		}
		hashes = append(hashes, hash)
	}

	return hashes
}

func (c *testChain) connected(start, end int32) []ConnectedBlock {
	var blocks []ConnectedBlock
	for h := start; h <= end; h++ {
		blocks = append(blocks, ConnectedBlock{
			Raw: c.raws[h], Height: h, Hash: c.hashes[h],
		})
	}

	return blocks
}

// serve makes src answer as this branch with its tip at best.
func (c *testChain) serve(src *mockChainSource, best int32) {
	tip := c.hashes[best]
	src.On("GetBestBlock").Return(&tip, best, nil)

	for h := int32(1); h <= best; h++ {
		hash := c.hashes[h]
		src.On("GetBlock", &hash).Return(c.raws[h], nil)
	}
}

// applyChain processes the blocks of c from start to end.
func (tw *testWallet) applyChain(c *testChain, start, end int32) {
	tw.t.Helper()

	for h := start; h <= end; h++ {
		tw.process(c.raws[h], h, c.hashes[h])
	}
}

// reorgFixture returns a wallet synced to a two block chain whose second
// block pays 2 BTC, and a competing branch forking after the first block
// whose third block pays 3 BTC.
func reorgFixture(t *testing.T) (*testWallet, *testChain, *testChain,
	*wire.MsgTx) {

	tw := newTestWallet(t)

	fund := payTx(foreign("fund"), wire.NewTxOut(
		100_000_000, tw.script(waddrmgr.External, 0),
	))
	orphan := payTx(foreign("orphan"), wire.NewTxOut(
		200_000_000, tw.script(waddrmgr.External, 1),
	))
	replacement := payTx(foreign("replacement"), wire.NewTxOut(
		300_000_000, tw.script(waddrmgr.Internal, 0),
	))

	a := newTestChain(t, 'a')
	a.add(1, fund)
	a.add(2, orphan)
	tw.applyChain(a, 1, 2)

	b := a.branch('b', 1)
	b.add(2)
	b.add(3, replacement)

	return tw, a, b, orphan
}

// TestHandleReorg switches the ledger to a competing branch and checks that
// the orphaned payment leaves the balance.
func TestHandleReorg(t *testing.T) {
	t.Parallel()

	tw, a, b, orphan := reorgFixture(t)
	require.Equal(t, wtxmgr.Balance{Confirmed: 300_000_000}, tw.balance())
	require.True(t, tw.used(waddrmgr.External, 1))
	require.False(t, tw.used(waddrmgr.Internal, 0))

	// Act.
	err := tw.HandleReorg(context.Background(), ReorgEvent{
		Ancestor:  waddrmgr.BlockStamp{Height: 1, Hash: a.hashes[1]},
		Connected: b.connected(2, 3),
	})

	// Assert.
	require.NoError(t, err)
	require.Equal(t, wtxmgr.Balance{Confirmed: 400_000_000}, tw.balance())

	info, err := tw.Info()
	require.NoError(t, err)
	require.Equal(t, waddrmgr.BlockStamp{Height: 3, Hash: b.hashes[3]},
		info.SyncedTo)
	require.False(t, info.ReorgInProgress)

	orphaned, err := tw.Outputs(wtxmgr.OrphanedNew)
	require.NoError(t, err)
	require.Len(t, orphaned, 1)
	require.Equal(t, orphan.TxHash(), orphaned[0].OutPoint.Hash)

	// The orphaned payment no longer uses its key, the funding key is
	// still used by the surviving block.
	require.False(t, tw.used(waddrmgr.External, 1))
	require.True(t, tw.used(waddrmgr.External, 0))
	require.True(t, tw.used(waddrmgr.Internal, 0))

	progress, err := tw.KeyManager().ScanProgress(
		tw.account, waddrmgr.External,
	)
	require.NoError(t, err)
	require.Equal(t, info.SyncedTo, progress)
}

// TestHandleReorgDoubleSpend replaces a block holding a spend of a wallet
// output with one that spends the output elsewhere.
func TestHandleReorgDoubleSpend(t *testing.T) {
	t.Parallel()

	tw := newTestWallet(t)

	// Arrange: fund alice, then spend to change on branch a.
	fund := payTx(foreign("fund"), wire.NewTxOut(
		100_000_000, tw.script(waddrmgr.External, 0),
	))
	fundOut := wire.OutPoint{Hash: fund.TxHash(), Index: 0}
	spend := payTx(fundOut,
		wire.NewTxOut(30_000_000, foreignScript(5)),
		wire.NewTxOut(69_999_000, tw.script(waddrmgr.Internal, 0)),
	)
	winner := payTx(fundOut, wire.NewTxOut(99_990_000, foreignScript(6)))

	a := newTestChain(t, 'a')
	a.add(1, fund)
	a.add(2, spend)
	tw.applyChain(a, 1, 2)
	require.True(t, tw.used(waddrmgr.Internal, 0))

	b := a.branch('b', 1)
	b.add(2, winner)

	// Act.
	err := tw.HandleReorg(context.Background(), ReorgEvent{
		Ancestor:  waddrmgr.BlockStamp{Height: 1, Hash: a.hashes[1]},
		Connected: b.connected(2, 2),
	})

	// Assert: the change is lost and its key is free again.
	require.NoError(t, err)
	require.Equal(t, wtxmgr.Balance{}, tw.balance())
	require.False(t, tw.used(waddrmgr.Internal, 0))

	failed, err := tw.Outputs(wtxmgr.TxoError)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, spend.TxHash(), failed[0].OutPoint.Hash)

	// Act: the losing spend shows up in the mempool again.
	changes, err := tw.AddMempoolTransaction(serializeTx(t, spend))

	// Assert.
	require.NoError(t, err)
	require.True(t, changes.Empty())
	require.Equal(t, wtxmgr.Balance{}, tw.balance())
}

// TestHandleReorgInvalid checks that a bad reorg event fails without
// retrying and leaves the ledger untouched.
func TestHandleReorgInvalid(t *testing.T) {
	t.Parallel()

	tw, a, b, _ := reorgFixture(t)
	ctx := context.Background()

	// Act: the connected blocks skip a height.
	err := tw.HandleReorg(ctx, ReorgEvent{
		Ancestor:  waddrmgr.BlockStamp{Height: 1, Hash: a.hashes[1]},
		Connected: b.connected(3, 3),
	})

	// Assert.
	require.ErrorIs(t, err, ErrInvalidReorg)

	// Act: the ancestor is not on the ledger chain.
	err = tw.HandleReorg(ctx, ReorgEvent{
		Ancestor: waddrmgr.BlockStamp{
			Height: 1, Hash: chainhash.HashH([]byte("elsewhere")),
		},
		Connected: b.connected(2, 3),
	})

	// Assert.
	require.True(t, wtxmgr.IsError(err, wtxmgr.ErrInput))

	info, err := tw.Info()
	require.NoError(t, err)
	require.Equal(t, waddrmgr.BlockStamp{Height: 2, Hash: a.hashes[2]},
		info.SyncedTo)
	require.False(t, info.ReorgInProgress)
	require.Equal(t, wtxmgr.Balance{Confirmed: 300_000_000}, tw.balance())
}

// TestFindForkPoint checks the fork search against a mock chain source.
func TestFindForkPoint(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("same chain", func(t *testing.T) {
		t.Parallel()

		tw, a, _, _ := reorgFixture(t)
		src := &mockChainSource{}
		a.serve(src, 2)
		src.On("GetBlockHashes", int64(0), int64(2)).Return(
			a.hashRange(0, 2), nil,
		)

		fork, rollback, err := tw.FindForkPoint(ctx, src)

		require.NoError(t, err)
		require.False(t, rollback)
		require.Equal(t, waddrmgr.BlockStamp{
			Height: 2, Hash: a.hashes[2],
		}, fork)
		src.AssertNotCalled(t, "GetBlock", mock.Anything)
	})

	t.Run("fork", func(t *testing.T) {
		t.Parallel()

		tw, a, b, _ := reorgFixture(t)
		src := &mockChainSource{}
		b.serve(src, 3)
		src.On("GetBlockHashes", int64(0), int64(2)).Return(
			b.hashRange(0, 2), nil,
		)

		fork, rollback, err := tw.FindForkPoint(ctx, src)

		require.NoError(t, err)
		require.True(t, rollback)
		require.Equal(t, waddrmgr.BlockStamp{
			Height: 1, Hash: a.hashes[1],
		}, fork)
	})

	t.Run("remote behind", func(t *testing.T) {
		t.Parallel()

		tw, a, _, _ := reorgFixture(t)
		src := &mockChainSource{}
		a.serve(src, 1)
		src.On("GetBlockHashes", int64(0), int64(1)).Return(
			a.hashRange(0, 1), nil,
		)

		fork, rollback, err := tw.FindForkPoint(ctx, src)

		require.NoError(t, err)
		require.True(t, rollback)
		require.Equal(t, int32(1), fork.Height)
	})

	t.Run("too deep", func(t *testing.T) {
		t.Parallel()

		tw, _, _, _ := reorgFixture(t)
		other := newTestChain(t, 'z')
		other.add(1)
		other.add(2)

		src := &mockChainSource{}
		other.serve(src, 2)
		src.On("GetBlockHashes", int64(0), int64(2)).Return(
			other.hashRange(0, 2), nil,
		)

		_, _, err := tw.FindForkPoint(ctx, src)

		require.ErrorIs(t, err, ErrReorgTooDeep)
	})

	t.Run("empty ledger", func(t *testing.T) {
		t.Parallel()

		tw := newTestWallet(t)
		src := &mockChainSource{}

		fork, rollback, err := tw.FindForkPoint(ctx, src)

		require.NoError(t, err)
		require.False(t, rollback)
		require.Equal(t, int32(-1), fork.Height)
		src.AssertNotCalled(t, "GetBestBlock")
	})
}

// TestFindForkPointHelper checks the batch comparison.
func TestFindForkPointHelper(t *testing.T) {
	t.Parallel()

	h := func(b byte) chainhash.Hash {
		return chainhash.HashH([]byte{b})
	}
	ptr := func(b byte) *chainhash.Hash {
		hash := h(b)
		return &hash
	}

	tests := []struct {
		name   string
		local  []*chainhash.Hash
		remote []chainhash.Hash
		index  int
		pruned bool
	}{
		{
			name:   "tip matches",
			local:  []*chainhash.Hash{ptr(1), ptr(2)},
			remote: []chainhash.Hash{h(1), h(2)},
			index:  1,
		},
		{
			name:   "fork",
			local:  []*chainhash.Hash{ptr(1), ptr(2)},
			remote: []chainhash.Hash{h(1), h(3)},
			index:  0,
		},
		{
			name:   "no match",
			local:  []*chainhash.Hash{ptr(1), ptr(2)},
			remote: []chainhash.Hash{h(3), h(4)},
			index:  -1,
		},
		{
			name:   "pruned",
			local:  []*chainhash.Hash{nil, ptr(2)},
			remote: []chainhash.Hash{h(1), h(3)},
			index:  -1,
			pruned: true,
		},
		{
			name:   "short remote",
			local:  []*chainhash.Hash{ptr(1), ptr(2)},
			remote: []chainhash.Hash{h(1)},
			index:  0,
		},
	}

	for _, tc := range tests {
		index, pruned := findForkPoint(tc.local, tc.remote)
		require.Equal(t, tc.index, index, tc.name)
		require.Equal(t, tc.pruned, pruned, tc.name)
	}
}

// TestSync catches up with a chain source that extends the ledger.
func TestSync(t *testing.T) {
	t.Parallel()

	tw, a, _, _ := reorgFixture(t)

	// Arrange: the source is two blocks ahead.
	late := payTx(foreign("late"), wire.NewTxOut(
		1_000, tw.script(waddrmgr.External, 1),
	))
	a.add(3)
	a.add(4, late)

	src := &mockChainSource{}
	a.serve(src, 4)
	src.On("GetBlockHashes", int64(0), int64(2)).Return(
		a.hashRange(0, 2), nil,
	)
	src.On("GetBlockHashes", int64(3), int64(4)).Return(
		a.hashRange(3, 4), nil,
	)

	// Act.
	err := tw.Sync(context.Background(), src)

	// Assert.
	require.NoError(t, err)
	require.Equal(t, int32(4), tw.height())
	require.Equal(t, wtxmgr.Balance{Confirmed: 300_001_000}, tw.balance())

	info, err := tw.Info()
	require.NoError(t, err)
	require.True(t, info.Synced)
	src.AssertCalled(t, "GetBlockHashes", int64(3), int64(4))
	src.AssertNumberOfCalls(t, "GetBlock", 2)
}

// TestSyncReorg syncs against a source on a competing branch.
func TestSyncReorg(t *testing.T) {
	t.Parallel()

	tw, _, b, _ := reorgFixture(t)

	src := &mockChainSource{}
	b.serve(src, 3)
	src.On("GetBlockHashes", int64(0), int64(2)).Return(
		b.hashRange(0, 2), nil,
	)
	src.On("GetBlockHashes", int64(2), int64(3)).Return(
		b.hashRange(2, 3), nil,
	)

	// Act.
	err := tw.Sync(context.Background(), src)

	// Assert.
	require.NoError(t, err)

	info, err := tw.Info()
	require.NoError(t, err)
	require.Equal(t, waddrmgr.BlockStamp{Height: 3, Hash: b.hashes[3]},
		info.SyncedTo)
	require.Equal(t, wtxmgr.Balance{Confirmed: 400_000_000}, tw.balance())
}

// TestSyncFetchError checks that a failing source aborts the sync.
func TestSyncFetchError(t *testing.T) {
	t.Parallel()

	tw, a, _, _ := reorgFixture(t)
	a.add(3)

	errFetch := errors.New("fetch failed")

	tip := a.hashes[3]
	src := &mockChainSource{}
	src.On("GetBestBlock").Return(&tip, int32(3), nil)
	src.On("GetBlockHashes", int64(0), int64(2)).Return(
		a.hashRange(0, 2), nil,
	)
	src.On("GetBlockHashes", int64(3), int64(3)).Return(
		a.hashRange(3, 3), nil,
	)
	src.On("GetBlock", &tip).Return([]byte(nil), errFetch)

	// Act.
	err := tw.Sync(context.Background(), src)

	// Assert.
	require.ErrorIs(t, err, errFetch)
	require.Equal(t, int32(2), tw.height())
}

// TestIsRetryable checks which reorg failures are retried.
func TestIsRetryable(t *testing.T) {
	t.Parallel()

	require.False(t, isRetryable(context.Canceled))
	require.False(t, isRetryable(txparser.Error{
		Code: txparser.ErrMalformed,
	}))
	require.False(t, isRetryable(wtxmgr.Error{
		Code: wtxmgr.ErrBlockOrder,
	}))
	require.True(t, isRetryable(wtxmgr.Error{Code: wtxmgr.ErrDatabase}))
	require.True(t, isRetryable(errors.New("disk hiccup")))
}
