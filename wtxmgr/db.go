// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxmgr

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/walletcore/scriptclass"
	"github.com/btcsuite/walletcore/waddrmgr"
	"github.com/btcsuite/walletcore/walletpb"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/tlv"
)

// Naming
//
// Outputs and transactions are stored as walletpb records so that they can
// gain fields without a migration. Index buckets use fixed width binary
// layouts with big endian integers, so cursors iterate them in numeric
// order.

var (
	bucketOutputs       = []byte("o")
	bucketTxs           = []byte("t")
	bucketUnminedInputs = []byte("mi")
	bucketBlocks        = []byte("b")
	bucketCoinbase      = []byte("cb")
	bucketProposals     = []byte("p")
	bucketReservations  = []byte("r")
	bucketTxLabels      = []byte("l")
	bucketMeta          = []byte("m")

	allBuckets = [][]byte{
		bucketOutputs, bucketTxs, bucketUnminedInputs, bucketBlocks,
		bucketCoinbase, bucketProposals, bucketReservations,
		bucketTxLabels, bucketMeta,
	}

	keyTip   = []byte("tip")
	keyReorg = []byte("reorg")
	keyToken = []byte("token")
)

func createStore(ns walletdb.ReadWriteBucket) error {
	for _, name := range allBuckets {
		if _, err := ns.CreateBucketIfNotExists(name); err != nil {
			return storeError(ErrDatabase, fmt.Sprintf("create "+
				"bucket %s", name), err)
		}
	}

	return nil
}

func openStore(ns walletdb.ReadBucket) error {
	for _, name := range allBuckets {
		if ns.NestedReadBucket(name) == nil {
			return storeError(ErrData, fmt.Sprintf("bucket %s "+
				"missing", name), nil)
		}
	}

	return nil
}

func readBucket(ns walletdb.ReadBucket, name []byte) walletdb.ReadBucket {
	return ns.NestedReadBucket(name)
}

func writeBucket(ns walletdb.ReadWriteBucket,
	name []byte) walletdb.ReadWriteBucket {

	return ns.NestedReadWriteBucket(name)
}

// CanonicalOutPoint returns the key of an outpoint: the hash followed by the
// big endian index.
func CanonicalOutPoint(txHash *chainhash.Hash, index uint32) []byte {
	k := make([]byte, 36)
	copy(k, txHash[:])
	binary.BigEndian.PutUint32(k[32:36], index)

	return k
}

func outPointKey(op wire.OutPoint) []byte {
	return CanonicalOutPoint(&op.Hash, op.Index)
}

func readCanonicalOutPoint(k []byte, op *wire.OutPoint) error {
	if len(k) < 36 {
		return storeError(ErrData, fmt.Sprintf("short outpoint key "+
			"%x", k), nil)
	}
	copy(op.Hash[:], k[:32])
	op.Index = binary.BigEndian.Uint32(k[32:36])

	return nil
}

func heightKey(height int32) []byte {
	//nolint:gosec
	return binary.BigEndian.AppendUint32(nil, uint32(height))
}

func keyToRecord(k waddrmgr.Key) walletpb.Key {
	return walletpb.Key{
		Subaccount: uint32(k.Subaccount),
		Subchain:   uint32(k.Subchain),
		Index:      k.Index,
	}
}

func keyFromRecord(k walletpb.Key) waddrmgr.Key {
	return waddrmgr.Key{
		Subaccount: waddrmgr.SubaccountID(k.Subaccount),
		//nolint:gosec
		Subchain: waddrmgr.Subchain(k.Subchain),
		Index:    k.Index,
	}
}

func keysToRecord(keys []waddrmgr.Key) []walletpb.Key {
	out := make([]walletpb.Key, len(keys))
	for i, k := range keys {
		out[i] = keyToRecord(k)
	}

	return out
}

func keysFromRecord(keys []walletpb.Key) []waddrmgr.Key {
	out := make([]waddrmgr.Key, len(keys))
	for i, k := range keys {
		out[i] = keyFromRecord(k)
	}

	return out
}

func outputToRecord(o *Output) *walletpb.BlockchainTransactionOutput {
	r := &walletpb.BlockchainTransactionOutput{
		TxID:        o.OutPoint.Hash[:],
		Index:       o.OutPoint.Index,
		Value:       int64(o.Value),
		Script:      o.PkScript,
		Pattern:     uint32(o.Pattern),
		State:       uint32(o.State),
		Tags:        uint32(o.Tags),
		Coinbase:    o.Coinbase,
		Keys:        keysToRecord(o.Keys),
		Owner:       o.Owner,
		Payee:       o.Payee,
		Payer:       o.Payer,
		MinedHeight: -1,
	}

	o.Mined.WhenSome(func(b Block) {
		r.MinedHeight = int64(b.Height)
		r.MinedHash = b.Hash[:]
	})
	o.SpentBy.WhenSome(func(in wire.OutPoint) {
		r.SpentBy = in.Hash[:]
		r.SpentIndex = in.Index
	})

	return r
}

func outputFromRecord(r *walletpb.BlockchainTransactionOutput) (*Output,
	error) {

	if len(r.TxID) != chainhash.HashSize {
		return nil, storeError(ErrData, "output record without txid",
			nil)
	}

	o := &Output{
		Value:    btcutil.Amount(r.Value),
		PkScript: r.Script,
		//nolint:gosec
		Pattern: scriptclass.Pattern(r.Pattern),
		//nolint:gosec
		State:    TxoState(r.State),
		Tags:     TxoTag(r.Tags),
		Coinbase: r.Coinbase,
		Keys:     keysFromRecord(r.Keys),
		Owner:    r.Owner,
		Payee:    r.Payee,
		Payer:    r.Payer,
		Mined:    fn.None[Block](),
		SpentBy:  fn.None[wire.OutPoint](),
	}
	copy(o.OutPoint.Hash[:], r.TxID)
	o.OutPoint.Index = r.Index

	if r.MinedHeight >= 0 {
		b := Block{Height: int32(r.MinedHeight)}
		copy(b.Hash[:], r.MinedHash)
		o.Mined = fn.Some(b)
	}
	if len(r.SpentBy) == chainhash.HashSize {
		var in wire.OutPoint
		copy(in.Hash[:], r.SpentBy)
		in.Index = r.SpentIndex
		o.SpentBy = fn.Some(in)
	}

	return o, nil
}

func putOutput(ns walletdb.ReadWriteBucket, o *Output) error {
	err := writeBucket(ns, bucketOutputs).Put(
		outPointKey(o.OutPoint), outputToRecord(o).Marshal(),
	)
	if err != nil {
		return storeError(ErrDatabase, "put output", err)
	}

	return nil
}

func decodeOutput(v []byte) (*Output, error) {
	var r walletpb.BlockchainTransactionOutput
	if err := r.Unmarshal(v); err != nil {
		return nil, storeError(ErrData, "decode output", err)
	}

	return outputFromRecord(&r)
}

// fetchOutput returns the output at op, or nil when the wallet does not own
// it.
func fetchOutput(ns walletdb.ReadBucket, op wire.OutPoint) (*Output, error) {
	v := readBucket(ns, bucketOutputs).Get(outPointKey(op))
	if v == nil {
		return nil, nil
	}

	return decodeOutput(v)
}

func deleteOutput(ns walletdb.ReadWriteBucket, op wire.OutPoint) error {
	err := writeBucket(ns, bucketOutputs).Delete(outPointKey(op))
	if err != nil {
		return storeError(ErrDatabase, "delete output", err)
	}

	return nil
}

// forEachOutput calls f for every output in outpoint order.
func forEachOutput(ns walletdb.ReadBucket, f func(*Output) error) error {
	return readBucket(ns, bucketOutputs).ForEach(func(_, v []byte) error {
		o, err := decodeOutput(v)
		if err != nil {
			return err
		}

		return f(o)
	})
}

// txRecord is the decoded ledger record of a transaction.
type txRecord struct {
	walletpb.BlockchainTransaction
}

func (r *txRecord) hash() chainhash.Hash {
	var h chainhash.Hash
	copy(h[:], r.TxID)

	return h
}

func (r *txRecord) mined() fn.Option[Block] {
	if r.Height < 0 {
		return fn.None[Block]()
	}

	b := Block{Height: int32(r.Height)}
	copy(b.Hash[:], r.BlockHash)

	return fn.Some(b)
}

func putTx(ns walletdb.ReadWriteBucket, r *txRecord) error {
	err := writeBucket(ns, bucketTxs).Put(r.TxID, r.Marshal())
	if err != nil {
		return storeError(ErrDatabase, "put transaction", err)
	}

	return nil
}

func decodeTx(v []byte) (*txRecord, error) {
	r := &txRecord{}
	if err := r.Unmarshal(v); err != nil {
		return nil, storeError(ErrData, "decode transaction", err)
	}

	return r, nil
}

// fetchTx returns the record of txid, or nil when it is not recorded.
func fetchTx(ns walletdb.ReadBucket, txid chainhash.Hash) (*txRecord,
	error) {

	v := readBucket(ns, bucketTxs).Get(txid[:])
	if v == nil {
		return nil, nil
	}

	return decodeTx(v)
}

func forEachTx(ns walletdb.ReadBucket, f func(*txRecord) error) error {
	return readBucket(ns, bucketTxs).ForEach(func(_, v []byte) error {
		r, err := decodeTx(v)
		if err != nil {
			return err
		}

		return f(r)
	})
}

// fetchUnminedSpenders returns the unconfirmed transactions spending op.
func fetchUnminedSpenders(ns walletdb.ReadBucket,
	op wire.OutPoint) []chainhash.Hash {

	v := readBucket(ns, bucketUnminedInputs).Get(outPointKey(op))

	hashes := make([]chainhash.Hash, 0, len(v)/chainhash.HashSize)
	for len(v) >= chainhash.HashSize {
		var h chainhash.Hash
		copy(h[:], v[:chainhash.HashSize])
		hashes = append(hashes, h)
		v = v[chainhash.HashSize:]
	}

	return hashes
}

func putUnminedInput(ns walletdb.ReadWriteBucket, op wire.OutPoint,
	spender chainhash.Hash) error {

	for _, h := range fetchUnminedSpenders(ns, op) {
		if h == spender {
			return nil
		}
	}

	b := writeBucket(ns, bucketUnminedInputs)
	k := outPointKey(op)
	v := append(bytes.Clone(b.Get(k)), spender[:]...)
	if err := b.Put(k, v); err != nil {
		return storeError(ErrDatabase, "put unmined input", err)
	}

	return nil
}

func deleteUnminedInput(ns walletdb.ReadWriteBucket, op wire.OutPoint,
	spender chainhash.Hash) error {

	var v []byte
	for _, h := range fetchUnminedSpenders(ns, op) {
		if h != spender {
			v = append(v, h[:]...)
		}
	}

	b := writeBucket(ns, bucketUnminedInputs)
	k := outPointKey(op)

	var err error
	if len(v) == 0 {
		err = b.Delete(k)
	} else {
		err = b.Put(k, v)
	}
	if err != nil {
		return storeError(ErrDatabase, "delete unmined input", err)
	}

	return nil
}

// blockRecord lists the wallet transactions mined in a block.
type blockRecord struct {
	Block
	txs []chainhash.Hash
}

func putBlock(ns walletdb.ReadWriteBucket, r *blockRecord) error {
	v := make([]byte, 0, chainhash.HashSize*(len(r.txs)+1))
	v = append(v, r.Hash[:]...)
	for _, h := range r.txs {
		v = append(v, h[:]...)
	}

	err := writeBucket(ns, bucketBlocks).Put(heightKey(r.Height), v)
	if err != nil {
		return storeError(ErrDatabase, "put block", err)
	}

	return nil
}

func decodeBlock(k, v []byte) (*blockRecord, error) {
	if len(k) != 4 || len(v)%chainhash.HashSize != 0 || len(v) == 0 {
		return nil, storeError(ErrData, fmt.Sprintf("block record "+
			"%x", k), nil)
	}

	//nolint:gosec
	r := &blockRecord{Block: Block{Height: int32(binary.BigEndian.Uint32(k))}}
	copy(r.Hash[:], v)
	for v = v[chainhash.HashSize:]; len(v) > 0; v = v[chainhash.HashSize:] {
		var h chainhash.Hash
		copy(h[:], v)
		r.txs = append(r.txs, h)
	}

	return r, nil
}

// fetchBlock returns the block record at height, or nil.
func fetchBlock(ns walletdb.ReadBucket, height int32) (*blockRecord,
	error) {

	k := heightKey(height)
	v := readBucket(ns, bucketBlocks).Get(k)
	if v == nil {
		return nil, nil
	}

	return decodeBlock(k, v)
}

func deleteBlock(ns walletdb.ReadWriteBucket, height int32) error {
	err := writeBucket(ns, bucketBlocks).Delete(heightKey(height))
	if err != nil {
		return storeError(ErrDatabase, "delete block", err)
	}

	return nil
}

func putCoinbase(ns walletdb.ReadWriteBucket, op wire.OutPoint) error {
	err := writeBucket(ns, bucketCoinbase).Put(outPointKey(op), nil)
	if err != nil {
		return storeError(ErrDatabase, "put coinbase", err)
	}

	return nil
}

func deleteCoinbase(ns walletdb.ReadWriteBucket, op wire.OutPoint) error {
	err := writeBucket(ns, bucketCoinbase).Delete(outPointKey(op))
	if err != nil {
		return storeError(ErrDatabase, "delete coinbase", err)
	}

	return nil
}

func forEachCoinbase(ns walletdb.ReadBucket,
	f func(wire.OutPoint) error) error {

	var ops []wire.OutPoint
	err := readBucket(ns, bucketCoinbase).ForEach(func(k, _ []byte) error {
		var op wire.OutPoint
		if err := readCanonicalOutPoint(k, &op); err != nil {
			return err
		}
		ops = append(ops, op)

		return nil
	})
	if err != nil {
		return err
	}

	// The callback may write to the outputs bucket, so it runs after the
	// cursor is done.
	for _, op := range ops {
		if err := f(op); err != nil {
			return err
		}
	}

	return nil
}

func encodeStamp(b Block) []byte {
	//nolint:gosec
	v := binary.BigEndian.AppendUint32(nil, uint32(b.Height))
	return append(v, b.Hash[:]...)
}

func decodeStamp(v []byte) (Block, error) {
	if len(v) != 4+chainhash.HashSize {
		return Block{}, storeError(ErrData, "block stamp", nil)
	}

	//nolint:gosec
	b := Block{Height: int32(binary.BigEndian.Uint32(v))}
	copy(b.Hash[:], v[4:])

	return b, nil
}

// fetchTip returns the last applied block, if any.
func fetchTip(ns walletdb.ReadBucket) (fn.Option[Block], error) {
	return fetchStamp(ns, keyTip)
}

func fetchStamp(ns walletdb.ReadBucket, key []byte) (fn.Option[Block],
	error) {

	v := readBucket(ns, bucketMeta).Get(key)
	if v == nil {
		return fn.None[Block](), nil
	}

	b, err := decodeStamp(v)
	if err != nil {
		return fn.None[Block](), err
	}

	return fn.Some(b), nil
}

func putStamp(ns walletdb.ReadWriteBucket, key []byte, b Block) error {
	err := writeBucket(ns, bucketMeta).Put(key, encodeStamp(b))
	if err != nil {
		return storeError(ErrDatabase, fmt.Sprintf("put %s", key), err)
	}

	return nil
}

func deleteMeta(ns walletdb.ReadWriteBucket, key []byte) error {
	if err := writeBucket(ns, bucketMeta).Delete(key); err != nil {
		return storeError(ErrDatabase, fmt.Sprintf("delete %s", key),
			err)
	}

	return nil
}

// fetchToken returns the mutation token. It is uuid.Nil before the first
// mutation.
func fetchToken(ns walletdb.ReadBucket) uuid.UUID {
	v := readBucket(ns, bucketMeta).Get(keyToken)

	token, err := uuid.FromBytes(v)
	if err != nil {
		return uuid.Nil
	}

	return token
}

// bumpToken replaces the mutation token. Every write to the output set calls
// it, so a cached aggregate is valid exactly while the token it was computed
// under is current.
func bumpToken(ns walletdb.ReadWriteBucket) error {
	token := uuid.New()
	if err := writeBucket(ns, bucketMeta).Put(keyToken, token[:]); err != nil {
		return storeError(ErrDatabase, "put token", err)
	}

	return nil
}

const (
	typeSpender tlv.Type = 0
	typePayee   tlv.Type = 1
	typeCreated tlv.Type = 2
	typeTxID    tlv.Type = 3
	typeInputs  tlv.Type = 4
	typeChange  tlv.Type = 5
)

// changeSize is the encoded length of a ChangeOutput: the output index, the
// subaccount, the subchain and the key index.
const changeSize = 4 + 4 + 1 + 4

type proposalRecord struct {
	spender []byte
	payee   []byte
	created uint64
	txid    []byte
	inputs  []byte
	change  []byte
}

func (r *proposalRecord) stream() (*tlv.Stream, error) {
	return tlv.NewStream(
		tlv.MakePrimitiveRecord(typeSpender, &r.spender),
		tlv.MakePrimitiveRecord(typePayee, &r.payee),
		tlv.MakePrimitiveRecord(typeCreated, &r.created),
		tlv.MakePrimitiveRecord(typeTxID, &r.txid),
		tlv.MakePrimitiveRecord(typeInputs, &r.inputs),
		tlv.MakePrimitiveRecord(typeChange, &r.change),
	)
}

func encodeProposal(p *Proposal) ([]byte, error) {
	r := &proposalRecord{
		spender: []byte(p.Spender),
		payee:   []byte(p.Payee),
		//nolint:gosec
		created: uint64(p.Created.UnixNano()),
	}
	p.TxID.WhenSome(func(h chainhash.Hash) {
		r.txid = h[:]
	})
	for _, op := range p.Inputs {
		r.inputs = append(r.inputs, outPointKey(op)...)
	}
	for _, c := range p.Change {
		r.change = binary.BigEndian.AppendUint32(r.change, c.Index)
		r.change = binary.BigEndian.AppendUint32(
			r.change, uint32(c.Key.Subaccount),
		)
		r.change = append(r.change, byte(c.Key.Subchain))
		r.change = binary.BigEndian.AppendUint32(r.change, c.Key.Index)
	}

	s, err := r.stream()
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	if err := s.Encode(&b); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

func decodeProposal(v []byte) (*Proposal, error) {
	r := &proposalRecord{}

	s, err := r.stream()
	if err != nil {
		return nil, err
	}
	if err := s.Decode(bytes.NewReader(v)); err != nil {
		return nil, err
	}

	if len(r.inputs)%36 != 0 || len(r.change)%changeSize != 0 {
		return nil, fmt.Errorf("proposal lists are truncated")
	}

	p := &Proposal{
		Spender: string(r.spender),
		Payee:   string(r.payee),
		//nolint:gosec
		Created: time.Unix(0, int64(r.created)),
		TxID:    fn.None[chainhash.Hash](),
	}
	if len(r.txid) == chainhash.HashSize {
		var h chainhash.Hash
		copy(h[:], r.txid)
		p.TxID = fn.Some(h)
	}
	for in := r.inputs; len(in) > 0; in = in[36:] {
		var op wire.OutPoint
		if err := readCanonicalOutPoint(in, &op); err != nil {
			return nil, err
		}
		p.Inputs = append(p.Inputs, op)
	}
	for c := r.change; len(c) > 0; c = c[changeSize:] {
		p.Change = append(p.Change, ChangeOutput{
			Index: binary.BigEndian.Uint32(c[0:4]),
			Key: waddrmgr.Key{
				Subaccount: waddrmgr.SubaccountID(
					binary.BigEndian.Uint32(c[4:8]),
				),
				Subchain: waddrmgr.Subchain(c[8]),
				Index:    binary.BigEndian.Uint32(c[9:13]),
			},
		})
	}

	return p, nil
}

func putProposal(ns walletdb.ReadWriteBucket, id uuid.UUID,
	p *Proposal) error {

	v, err := encodeProposal(p)
	if err != nil {
		return storeError(ErrData, "encode proposal", err)
	}

	if err := writeBucket(ns, bucketProposals).Put(id[:], v); err != nil {
		return storeError(ErrDatabase, "put proposal", err)
	}

	return nil
}

// fetchProposal returns the proposal with the given id, or nil.
func fetchProposal(ns walletdb.ReadBucket, id uuid.UUID) (*Proposal, error) {
	v := readBucket(ns, bucketProposals).Get(id[:])
	if v == nil {
		return nil, nil
	}

	p, err := decodeProposal(v)
	if err != nil {
		return nil, storeError(ErrData, "decode proposal", err)
	}

	return p, nil
}

func deleteProposal(ns walletdb.ReadWriteBucket, id uuid.UUID) error {
	if err := writeBucket(ns, bucketProposals).Delete(id[:]); err != nil {
		return storeError(ErrDatabase, "delete proposal", err)
	}

	return nil
}

// reservation is the lease an open proposal holds on an output.
type reservation struct {
	proposal uuid.UUID
	expiry   time.Time
}

func putReservation(ns walletdb.ReadWriteBucket, op wire.OutPoint,
	r reservation) error {

	v := make([]byte, 0, 24)
	v = append(v, r.proposal[:]...)
	//nolint:gosec
	v = binary.BigEndian.AppendUint64(v, uint64(r.expiry.UnixNano()))

	err := writeBucket(ns, bucketReservations).Put(outPointKey(op), v)
	if err != nil {
		return storeError(ErrDatabase, "put reservation", err)
	}

	return nil
}

func decodeReservation(v []byte) (reservation, error) {
	if len(v) != 24 {
		return reservation{}, storeError(ErrData, "reservation "+
			"record", nil)
	}

	var r reservation
	copy(r.proposal[:], v[:16])
	//nolint:gosec
	r.expiry = time.Unix(0, int64(binary.BigEndian.Uint64(v[16:])))

	return r, nil
}

// fetchReservation returns the lease on op, if any.
func fetchReservation(ns walletdb.ReadBucket,
	op wire.OutPoint) (fn.Option[reservation], error) {

	v := readBucket(ns, bucketReservations).Get(outPointKey(op))
	if v == nil {
		return fn.None[reservation](), nil
	}

	r, err := decodeReservation(v)
	if err != nil {
		return fn.None[reservation](), err
	}

	return fn.Some(r), nil
}

func deleteReservation(ns walletdb.ReadWriteBucket, op wire.OutPoint) error {
	err := writeBucket(ns, bucketReservations).Delete(outPointKey(op))
	if err != nil {
		return storeError(ErrDatabase, "delete reservation", err)
	}

	return nil
}

func forEachReservation(ns walletdb.ReadBucket,
	f func(wire.OutPoint, reservation) error) error {

	return readBucket(ns, bucketReservations).ForEach(func(k,
		v []byte) error {

		var op wire.OutPoint
		if err := readCanonicalOutPoint(k, &op); err != nil {
			return err
		}

		r, err := decodeReservation(v)
		if err != nil {
			return err
		}

		return f(op, r)
	})
}
