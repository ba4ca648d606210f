package wallet

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/walletcore/waddrmgr"
	"github.com/btcsuite/walletcore/wtxmgr"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"
)

// TestWalletState checks the lifecycle transitions.
func TestWalletState(t *testing.T) {
	t.Parallel()

	var s walletState
	require.ErrorIs(t, s.validateStarted(), ErrStateForbidden)

	require.NoError(t, s.toStarting())
	require.ErrorIs(t, s.toStarting(), ErrWalletAlreadyStarted)
	require.ErrorIs(t, s.toStopping(), ErrStateForbidden)

	s.toStarted()
	require.NoError(t, s.validateStarted())

	s.setSync(syncStateSynced)
	require.Equal(t, "status=started, sync=synced", s.String())

	require.NoError(t, s.toStopping())
	s.toStopped()
	require.ErrorIs(t, s.validateStarted(), ErrStateForbidden)
}

// TestStartStop runs the background goroutines and feeds blocks through the
// writer, including one that does not connect.
func TestStartStop(t *testing.T) {
	t.Parallel()

	tw := newTestWallet(t)
	ctx := context.Background()

	c := newTestChain(t, 'a')
	c.add(1)
	c.add(2)
	tw.applyChain(c, 1, 1)

	// Act: blocks cannot be queued before Start.
	err := tw.EnqueueBlock(ctx, c.raws[2], 2, c.hashes[2])

	// Assert.
	require.ErrorIs(t, err, ErrStateForbidden)

	// Act.
	require.NoError(t, tw.Start(ctx))
	require.ErrorIs(t, tw.Start(ctx), ErrWalletAlreadyStarted)

	// A disconnected block is dropped and the writer keeps going.
	raw, hash := makeBlock(t, chainhash.HashH([]byte("x")), 2, 'x')
	require.NoError(t, tw.EnqueueBlock(ctx, raw, 2, hash))
	require.NoError(t, tw.EnqueueBlock(ctx, c.raws[2], 2, c.hashes[2]))

	// Assert.
	require.Eventually(t, func() bool {
		h, err := tw.WalletHeight()
		return err == nil && h == 2
	}, 10*time.Second, 10*time.Millisecond)

	info, err := tw.Info()
	require.NoError(t, err)
	require.Equal(t, c.hashes[2], info.SyncedTo.Hash)

	// Act.
	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, tw.Stop(stopCtx))

	// Assert: stopping twice is harmless and the queue is closed.
	require.NoError(t, tw.Stop(stopCtx))
	err = tw.EnqueueBlock(ctx, c.raws[2], 2, c.hashes[2])
	require.ErrorIs(t, err, ErrStateForbidden)
}

// TestReservationSweeper checks that the sweeper releases leases once they
// expire.
func TestReservationSweeper(t *testing.T) {
	t.Parallel()

	tw := newTestWallet(t)
	ctx := context.Background()

	fund := payTx(foreign("fund"), wire.NewTxOut(
		100_000_000, tw.script(waddrmgr.External, 0),
	))
	raw, hash := makeBlock(t, chainhash.Hash{}, 1, 'a', fund)
	tw.process(raw, 1, hash)

	sweep := ticker.NewForce(time.Hour)
	tw.sweepTicker = sweep

	require.NoError(t, tw.Start(ctx))
	t.Cleanup(func() {
		require.NoError(t, tw.Stop(ctx))
	})

	// Arrange: lease the only output.
	id := uuid.New()
	utxo, err := tw.ReserveUTXO("alice", id, wtxmgr.SpendPolicy{})
	require.NoError(t, err)
	require.True(t, utxo.IsSome())

	other, err := tw.ReserveUTXO("alice", uuid.New(), wtxmgr.SpendPolicy{})
	require.NoError(t, err)
	require.True(t, other.IsNone())

	leases, err := tw.Reservations()
	require.NoError(t, err)
	require.Len(t, leases, 1)
	require.Equal(t, id, leases[0].Proposal)

	// Act: let the lease lapse and tick.
	tw.clock.SetTime(testStart.Add(
		wtxmgr.DefaultReservationTimeout + time.Minute,
	))
	sweep.Force <- time.Now()

	// Assert: the lease and its empty proposal are gone.
	require.Eventually(t, func() bool {
		p, err := tw.Proposal(id)
		return err == nil && p == nil
	}, 10*time.Second, 10*time.Millisecond)
}

// TestProposalLifecycle reserves, cancels and finally spends an output
// through an outgoing transaction.
func TestProposalLifecycle(t *testing.T) {
	t.Parallel()

	tw := newTestWallet(t)

	fund := payTx(foreign("fund"), wire.NewTxOut(
		100_000_000, tw.script(waddrmgr.External, 0),
	))
	raw, hash := makeBlock(t, chainhash.Hash{}, 1, 'a', fund)
	tw.process(raw, 1, hash)
	fundOut := wire.OutPoint{Hash: fund.TxHash(), Index: 0}

	// Act: reserve then cancel.
	first := uuid.New()
	utxo, err := tw.ReserveUTXO("alice", first, wtxmgr.SpendPolicy{})
	require.NoError(t, err)
	require.True(t, utxo.IsSome())
	require.NoError(t, tw.CancelProposal(first))

	// Assert: the output is free again.
	leases, err := tw.Reservations()
	require.NoError(t, err)
	require.Empty(t, leases)

	// Act: reserve for a proposal that gets broadcast.
	id := uuid.New()
	utxo, err = tw.ReserveUTXO("alice", id, wtxmgr.SpendPolicy{})
	require.NoError(t, err)
	require.Equal(t, fundOut,
		utxo.UnwrapOr(&wtxmgr.Output{}).OutPoint)

	changeKey := waddrmgr.Key{
		Subaccount: tw.account, Subchain: waddrmgr.Internal,
	}
	spend := payTx(fundOut,
		wire.NewTxOut(30_000_000, foreignScript(5)),
		wire.NewTxOut(69_999_000, tw.script(waddrmgr.Internal, 0)),
	)
	changes, err := tw.AddOutgoingTransaction(id, &wtxmgr.Proposal{
		Spender: "alice",
		Change:  []wtxmgr.ChangeOutput{{Index: 1, Key: changeKey}},
	}, serializeTx(t, spend))

	// Assert.
	require.NoError(t, err)
	require.Equal(t, []wire.OutPoint{fundOut}, changes.Consumed)
	require.Equal(t, []wire.OutPoint{{Hash: spend.TxHash(), Index: 1}},
		changes.Created)

	p, err := tw.Proposal(id)
	require.NoError(t, err)
	require.Equal(t, spend.TxHash(), p.TxID.UnwrapOr(chainhash.Hash{}))

	leases, err = tw.Reservations()
	require.NoError(t, err)
	require.Empty(t, leases)

	require.Equal(t, wtxmgr.Balance{Unconfirmed: 69_999_000},
		tw.balance())
}

// TestReserveUTXOExclusive races reservations for a single output.
func TestReserveUTXOExclusive(t *testing.T) {
	t.Parallel()

	tw := newTestWallet(t)

	fund := payTx(foreign("fund"), wire.NewTxOut(
		100_000_000, tw.script(waddrmgr.External, 0),
	))
	raw, hash := makeBlock(t, chainhash.Hash{}, 1, 'a', fund)
	tw.process(raw, 1, hash)

	// Act.
	const callers = 8

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()

			utxo, err := tw.ReserveUTXO(
				"alice", uuid.New(), wtxmgr.SpendPolicy{},
			)
			if err != nil || utxo.IsNone() {
				return
			}

			mu.Lock()
			winners++
			mu.Unlock()
		}()
	}
	wg.Wait()

	// Assert.
	require.Equal(t, 1, winners)

	leases, err := tw.Reservations()
	require.NoError(t, err)
	require.Len(t, leases, 1)
}
