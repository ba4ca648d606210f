package wallet

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/btcsuite/walletcore/txparser"
	"github.com/btcsuite/walletcore/waddrmgr"
	"github.com/btcsuite/walletcore/wtxmgr"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

var testStart = time.Unix(1700000000, 0)

// testWallet is a wallet over a fresh bdb database with one HD subaccount
// owned by alice.
type testWallet struct {
	*Wallet

	t       *testing.T
	clock   *clock.TestClock
	account waddrmgr.SubaccountID
}

// newTestWallet creates and opens a wallet on a regtest copy whose coinbase
// outputs mature after three blocks. Every subchain watches two keys ahead.
func newTestWallet(t *testing.T) *testWallet {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "wallet.db")
	db, err := walletdb.Create("bdb", dbPath, true, 10*time.Second, false)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	require.NoError(t, Create(db))

	params := chaincfg.RegressionNetParams
	params.CoinbaseMaturity = 3

	testClock := clock.NewTestClock(testStart)

	cfg := DefaultConfig()
	cfg.DB = db
	cfg.ChainParams = &params
	cfg.Lookahead = 2
	cfg.FetchWorkers = 2
	cfg.ReorgRetryInterval = time.Millisecond
	cfg.Clock = testClock

	w, err := Open(cfg)
	require.NoError(t, err)

	id, err := w.AddHD("alice", "default", accountKey(t, &params))
	require.NoError(t, err)

	return &testWallet{
		Wallet:  w,
		t:       t,
		clock:   testClock,
		account: id,
	}
}

// accountKey derives m/84'/1'/0' from a fixed seed.
func accountKey(t *testing.T,
	params *chaincfg.Params) *hdkeychain.ExtendedKey {

	t.Helper()

	master, err := hdkeychain.NewMaster(
		bytes.Repeat([]byte{1}, 32), params,
	)
	require.NoError(t, err)

	key := master
	for _, i := range []uint32{84, 1, 0} {
		key, err = key.Derive(hdkeychain.HardenedKeyStart + i)
		require.NoError(t, err)
	}

	return key
}

// script returns the P2WPKH script of a key of the test account.
func (tw *testWallet) script(sc waddrmgr.Subchain, index uint32) []byte {
	tw.t.Helper()

	el, err := tw.KeyManager().BalanceElement(waddrmgr.Key{
		Subaccount: tw.account, Subchain: sc, Index: index,
	})
	require.NoError(tw.t, err)

	return el.P2WPKHScript()
}

// used reports whether a key of the test account is marked used.
func (tw *testWallet) used(sc waddrmgr.Subchain, index uint32) bool {
	tw.t.Helper()

	var used bool
	err := walletdb.View(tw.db, func(tx walletdb.ReadTx) error {
		var err error
		used, err = tw.KeyManager().IsUsed(
			tx.ReadBucket(waddrmgrNamespaceKey), waddrmgr.Key{
				Subaccount: tw.account, Subchain: sc,
				Index: index,
			},
		)

		return err
	})
	require.NoError(tw.t, err)

	return used
}

func (tw *testWallet) balance() wtxmgr.Balance {
	tw.t.Helper()

	b, err := tw.Balance()
	require.NoError(tw.t, err)

	return b
}

func (tw *testWallet) height() int32 {
	tw.t.Helper()

	h, err := tw.WalletHeight()
	require.NoError(tw.t, err)

	return h
}

// process applies a block and fails the test on error.
func (tw *testWallet) process(raw []byte, height int32,
	hash chainhash.Hash) wtxmgr.Changes {

	tw.t.Helper()

	changes, err := tw.ProcessBlock(
		context.Background(), raw, height, &hash,
	)
	require.NoError(tw.t, err)

	return changes
}

// foreign returns an outpoint the wallet does not own.
func foreign(name string) wire.OutPoint {
	return wire.OutPoint{Hash: chainhash.HashH([]byte(name))}
}

// foreignScript returns a P2WPKH script no wallet key pays.
func foreignScript(b byte) []byte {
	return append(
		[]byte{txscript.OP_0, txscript.OP_DATA_20},
		bytes.Repeat([]byte{b}, 20)...,
	)
}

// payTx spends prev to outs.
func payTx(prev wire.OutPoint, outs ...*wire.TxOut) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&prev, nil, nil))
	for _, out := range outs {
		tx.AddTxOut(out)
	}

	return tx
}

func serializeTx(t *testing.T, tx *wire.MsgTx) []byte {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))

	return buf.Bytes()
}

// makeBlock serializes a block on prev holding a coinbase followed by txs.
// fork keeps blocks at the same height on different branches distinct.
func makeBlock(t *testing.T, prev chainhash.Hash, height int32, fork byte,
	txs ...*wire.MsgTx) ([]byte, chainhash.Hash) {

	t.Helper()

	coinbase := wire.NewMsgTx(1)
	coinbase.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: wire.MaxPrevOutIndex},
		SignatureScript:  []byte{0x02, byte(height), fork},
		Sequence:         wire.MaxTxInSequenceNum,
	})
	coinbase.AddTxOut(wire.NewTxOut(50*btcutil.SatoshiPerBitcoin,
		[]byte{txscript.OP_TRUE}))

	all := append([]*wire.MsgTx{coinbase}, txs...)
	hashes := make([]chainhash.Hash, len(all))
	for i, tx := range all {
		hashes[i] = tx.TxHash()
	}

	blk := wire.MsgBlock{
		Header: wire.BlockHeader{
			Version:    1,
			PrevBlock:  prev,
			MerkleRoot: txparser.MerkleRoot(hashes),
			Timestamp: testStart.Add(
				time.Duration(height) * 10 * time.Minute,
			),
			Bits:  0x207fffff,
			Nonce: uint32(fork),
		},
		Transactions: all,
	}

	var buf bytes.Buffer
	require.NoError(t, blk.Serialize(&buf))

	return buf.Bytes(), blk.Header.BlockHash()
}

// TestProcessBlock funds the wallet in a block and checks the ledger, the
// scan progress and replay.
func TestProcessBlock(t *testing.T) {
	t.Parallel()

	tw := newTestWallet(t)

	// Arrange: a block paying 1 BTC to the first receive key.
	fund := payTx(foreign("fund"), wire.NewTxOut(
		100_000_000, tw.script(waddrmgr.External, 0),
	))
	raw, hash := makeBlock(t, chainhash.Hash{}, 1, 'a', fund)

	// Act.
	changes := tw.process(raw, 1, hash)

	// Assert.
	fundOut := wire.OutPoint{Hash: fund.TxHash(), Index: 0}
	require.Equal(t, []wire.OutPoint{fundOut}, changes.Created,
		spew.Sdump(changes))
	require.Equal(t, wtxmgr.Balance{Confirmed: 100_000_000}, tw.balance())
	require.Equal(t, int32(1), tw.height())

	progress, err := tw.KeyManager().ScanProgress(
		tw.account, waddrmgr.Internal,
	)
	require.NoError(t, err)
	require.Equal(t, waddrmgr.BlockStamp{Height: 1, Hash: hash}, progress)

	outs, err := tw.Outputs(wtxmgr.ConfirmedNew)
	require.NoError(t, err)
	require.Len(t, outs, 1)
	require.Equal(t, "alice", outs[0].Owner)

	// Act: replaying the block changes nothing.
	changes = tw.process(raw, 1, hash)

	// Assert.
	require.True(t, changes.Empty())
	require.Equal(t, wtxmgr.Balance{Confirmed: 100_000_000}, tw.balance())
}

// TestProcessBlockErrors checks that a block with the wrong hash or parent
// leaves the ledger untouched.
func TestProcessBlockErrors(t *testing.T) {
	t.Parallel()

	tw := newTestWallet(t)
	ctx := context.Background()

	raw1, hash1 := makeBlock(t, chainhash.Hash{}, 1, 'a')
	tw.process(raw1, 1, hash1)

	// Act: the caller expects another block.
	raw2, hash2 := makeBlock(t, hash1, 2, 'a')
	wrong := chainhash.HashH([]byte("wrong"))
	_, err := tw.ProcessBlock(ctx, raw2, 2, &wrong)

	// Assert.
	require.True(t, txparser.IsErrorCode(err, txparser.ErrHashMismatch))

	// Act: skip a height.
	_, err = tw.ProcessBlock(ctx, raw2, 3, &hash2)

	// Assert.
	require.True(t, wtxmgr.IsError(err, wtxmgr.ErrBlockOrder))
	require.Equal(t, int32(1), tw.height())

	// Act: a canceled context stops the block.
	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = tw.ProcessBlock(canceled, raw2, 2, &hash2)

	// Assert.
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, int32(1), tw.height())
}

// TestProcessBlockLookahead checks that a key used early in a block widens
// the watched window for the rest of the same block.
func TestProcessBlockLookahead(t *testing.T) {
	t.Parallel()

	tw := newTestWallet(t)

	horizon, err := tw.KeyManager().Horizon(tw.account, waddrmgr.External)
	require.NoError(t, err)
	require.Equal(t, uint32(2), horizon)

	// Arrange: the first transaction pays the last watched key and the
	// second one pays a key only the widened window covers.
	first := payTx(foreign("first"), wire.NewTxOut(
		10_000, tw.script(waddrmgr.External, 1),
	))
	second := payTx(foreign("second"), wire.NewTxOut(
		20_000, tw.script(waddrmgr.External, 3),
	))
	raw, hash := makeBlock(t, chainhash.Hash{}, 1, 'a', first, second)

	// Act.
	changes := tw.process(raw, 1, hash)

	// Assert.
	require.Len(t, changes.Created, 2)
	require.Equal(t, wtxmgr.Balance{Confirmed: 30_000}, tw.balance())

	horizon, err = tw.KeyManager().Horizon(tw.account, waddrmgr.External)
	require.NoError(t, err)
	require.Equal(t, uint32(6), horizon)
}

// TestAddMempoolTransaction spends a confirmed output in the mempool and
// checks that irrelevant transactions are ignored.
func TestAddMempoolTransaction(t *testing.T) {
	t.Parallel()

	tw := newTestWallet(t)

	fund := payTx(foreign("fund"), wire.NewTxOut(
		100_000_000, tw.script(waddrmgr.External, 0),
	))
	raw, hash := makeBlock(t, chainhash.Hash{}, 1, 'a', fund)
	tw.process(raw, 1, hash)

	// Act: an unrelated transaction.
	other := payTx(foreign("other"), wire.NewTxOut(5_000, foreignScript(9)))
	changes, err := tw.AddMempoolTransaction(serializeTx(t, other))

	// Assert.
	require.NoError(t, err)
	require.True(t, changes.Empty())

	// Act: pay someone and keep the change.
	fundOut := wire.OutPoint{Hash: fund.TxHash(), Index: 0}
	spend := payTx(fundOut,
		wire.NewTxOut(40_000_000, foreignScript(7)),
		wire.NewTxOut(59_999_000, tw.script(waddrmgr.Internal, 0)),
	)
	changes, err = tw.AddMempoolTransaction(serializeTx(t, spend))

	// Assert.
	require.NoError(t, err)
	require.Equal(t, []wire.OutPoint{fundOut}, changes.Consumed)
	require.Equal(t, []wire.OutPoint{{Hash: spend.TxHash(), Index: 1}},
		changes.Created)
	require.Equal(t, wtxmgr.Balance{Unconfirmed: 59_999_000},
		tw.balance())

	txs, err := tw.Transactions("alice")
	require.NoError(t, err)
	require.Len(t, txs, 2)

	txs, err = tw.Transactions("bob")
	require.NoError(t, err)
	require.Empty(t, txs)

	// Act: label the spend.
	err = tw.LabelTransaction(spend.TxHash(), "rent")

	// Assert.
	require.NoError(t, err)
	txs, err = tw.Transactions("")
	require.NoError(t, err)

	labels := make(map[chainhash.Hash]string)
	for _, tx := range txs {
		labels[tx.Hash] = tx.Label
	}
	require.Equal(t, "rent", labels[spend.TxHash()])

	// Act: garbage is rejected before touching the ledger.
	_, err = tw.AddMempoolTransaction([]byte{0x01, 0x02})

	// Assert.
	require.Error(t, err)
}

// TestNewAddress checks that generated addresses are watched.
func TestNewAddress(t *testing.T) {
	t.Parallel()

	tw := newTestWallet(t)

	// Act.
	el, err := tw.NewAddress(tw.account, waddrmgr.External)

	// Assert.
	require.NoError(t, err)
	require.Equal(t, waddrmgr.Key{
		Subaccount: tw.account, Subchain: waddrmgr.External,
	}, el.Key)

	next, err := tw.NewAddress(tw.account, waddrmgr.External)
	require.NoError(t, err)
	require.Equal(t, uint32(1), next.Key.Index)

	// Arrange: pay the new key.
	fund := payTx(foreign("fund"), wire.NewTxOut(
		50_000, next.P2WPKHScript(),
	))
	raw, hash := makeBlock(t, chainhash.Hash{}, 1, 'a', fund)

	// Act.
	tw.process(raw, 1, hash)

	// Assert.
	bal, err := tw.BalanceForSubaccount(tw.account)
	require.NoError(t, err)
	require.Equal(t, wtxmgr.Balance{Confirmed: 50_000}, bal)

	bal, err = tw.BalanceForOwner("alice")
	require.NoError(t, err)
	require.Equal(t, wtxmgr.Balance{Confirmed: 50_000}, bal)
}

// TestOpenInvalidConfig checks the config validation.
func TestOpenInvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := Open(Config{ChainParams: &chaincfg.RegressionNetParams})
	require.ErrorIs(t, err, ErrInvalidConfig)

	cfg := DefaultConfig()
	cfg.ReorgDepth = -1
	require.ErrorIs(t, cfg.validate(), ErrInvalidConfig)
}
