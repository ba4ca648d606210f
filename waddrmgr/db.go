// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package waddrmgr

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/walletcore/pkg/cursor"
	"github.com/lightningnetwork/lnd/tlv"
)

var (
	// subaccountBucketName holds one TLV record per subaccount keyed by
	// its id.
	subaccountBucketName = []byte("subaccounts")

	// branchBucketName holds the high-water marks of every subchain.
	branchBucketName = []byte("branches")

	// importedBucketName holds imported public keys keyed by subaccount
	// and index.
	importedBucketName = []byte("imported")

	// usedBucketName maps a key slot to the txids that touched it.
	usedBucketName = []byte("used")

	// reservationBucketName maps a key slot to its reservation.
	reservationBucketName = []byte("reservations")

	// progressBucketName maps a subchain to its scan progress.
	progressBucketName = []byte("progress")

	allBuckets = [][]byte{
		subaccountBucketName, branchBucketName, importedBucketName,
		usedBucketName, reservationBucketName, progressBucketName,
	}
)

const (
	typeKind      tlv.Type = 0
	typeOwner     tlv.Type = 1
	typeName      tlv.Type = 2
	typeKey       tlv.Type = 3
	typeRemote    tlv.Type = 4
	typeLookahead tlv.Type = 5
)

// subaccountRecord is the persisted form of a subaccount.
type subaccountRecord struct {
	kind      uint8
	owner     []byte
	name      []byte
	key       []byte
	remote    []byte
	lookahead uint32
}

func (r *subaccountRecord) stream() (*tlv.Stream, error) {
	return tlv.NewStream(
		tlv.MakePrimitiveRecord(typeKind, &r.kind),
		tlv.MakePrimitiveRecord(typeOwner, &r.owner),
		tlv.MakePrimitiveRecord(typeName, &r.name),
		tlv.MakePrimitiveRecord(typeKey, &r.key),
		tlv.MakePrimitiveRecord(typeRemote, &r.remote),
		tlv.MakePrimitiveRecord(typeLookahead, &r.lookahead),
	)
}

func (r *subaccountRecord) encode() ([]byte, error) {
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

func decodeSubaccountRecord(v []byte) (*subaccountRecord, error) {
	r := &subaccountRecord{}

	s, err := r.stream()
	if err != nil {
		return nil, err
	}

	if err := s.Decode(bytes.NewReader(v)); err != nil {
		return nil, err
	}

	return r, nil
}

// createBuckets creates every bucket the manager uses inside ns.
func createBuckets(ns walletdb.ReadWriteBucket) error {
	for _, name := range allBuckets {
		if _, err := ns.CreateBucketIfNotExists(name); err != nil {
			return managerError(ErrDatabase, fmt.Sprintf(
				"create bucket %s", name), err)
		}
	}

	return nil
}

// readBucket returns a top level bucket of the namespace.
func readBucket(ns walletdb.ReadBucket,
	name []byte) (walletdb.ReadBucket, error) {

	b := ns.NestedReadBucket(name)
	if b == nil {
		return nil, managerError(ErrDatabase, fmt.Sprintf("bucket %s "+
			"missing", name), nil)
	}

	return b, nil
}

// writeBucket returns a top level bucket of the namespace for writing.
func writeBucket(ns walletdb.ReadWriteBucket,
	name []byte) (walletdb.ReadWriteBucket, error) {

	b := ns.NestedReadWriteBucket(name)
	if b == nil {
		return nil, managerError(ErrDatabase, fmt.Sprintf("bucket %s "+
			"missing", name), nil)
	}

	return b, nil
}

func subaccountKey(id SubaccountID) []byte {
	return binary.BigEndian.AppendUint32(nil, uint32(id))
}

func subchainKey(id SubaccountID, sc Subchain) []byte {
	return append(subaccountKey(id), byte(sc))
}

func slotKey(k Key) []byte {
	return binary.BigEndian.AppendUint32(
		subchainKey(k.Subaccount, k.Subchain), k.Index,
	)
}

func putSubaccount(ns walletdb.ReadWriteBucket, id SubaccountID,
	r *subaccountRecord) error {

	b, err := writeBucket(ns, subaccountBucketName)
	if err != nil {
		return err
	}

	v, err := r.encode()
	if err != nil {
		return managerError(ErrCorrupt, "encode subaccount", err)
	}

	if err := b.Put(subaccountKey(id), v); err != nil {
		return managerError(ErrDatabase, "put subaccount", err)
	}

	return nil
}

// forEachSubaccount calls f for every persisted subaccount in id order.
func forEachSubaccount(ns walletdb.ReadBucket,
	f func(SubaccountID, *subaccountRecord) error) error {

	b, err := readBucket(ns, subaccountBucketName)
	if err != nil {
		return err
	}

	return b.ForEach(func(k, v []byte) error {
		if len(k) != 4 {
			return managerError(ErrCorrupt, fmt.Sprintf("subaccount "+
				"key %x", k), nil)
		}

		r, err := decodeSubaccountRecord(v)
		if err != nil {
			return managerError(ErrCorrupt, "decode subaccount", err)
		}

		return f(SubaccountID(binary.BigEndian.Uint32(k)), r)
	})
}

// putBranch stores the high-water marks of a subchain.
func putBranch(ns walletdb.ReadWriteBucket, id SubaccountID, sc Subchain,
	next, nextUnfound uint32) error {

	b, err := writeBucket(ns, branchBucketName)
	if err != nil {
		return err
	}

	v := make([]byte, 8)
	binary.LittleEndian.PutUint32(v[:4], next)
	binary.LittleEndian.PutUint32(v[4:], nextUnfound)

	if err := b.Put(subchainKey(id, sc), v); err != nil {
		return managerError(ErrDatabase, "put branch", err)
	}

	return nil
}

// fetchBranch returns the high-water marks of a subchain. A subchain that
// was never written starts at zero.
func fetchBranch(ns walletdb.ReadBucket, id SubaccountID,
	sc Subchain) (uint32, uint32, error) {

	b, err := readBucket(ns, branchBucketName)
	if err != nil {
		return 0, 0, err
	}

	v := b.Get(subchainKey(id, sc))
	switch len(v) {
	case 0:
		return 0, 0, nil

	case 8:
		return binary.LittleEndian.Uint32(v[:4]),
			binary.LittleEndian.Uint32(v[4:]), nil

	default:
		return 0, 0, managerError(ErrCorrupt, fmt.Sprintf("branch "+
			"%d/%v has %d bytes", id, sc, len(v)), nil)
	}
}

func putImported(ns walletdb.ReadWriteBucket, id SubaccountID,
	index uint32, pubKey []byte) error {

	b, err := writeBucket(ns, importedBucketName)
	if err != nil {
		return err
	}

	k := binary.BigEndian.AppendUint32(subaccountKey(id), index)
	if err := b.Put(k, pubKey); err != nil {
		return managerError(ErrDatabase, "put imported key", err)
	}

	return nil
}

// forEachImported calls f for the imported keys of id in index order.
func forEachImported(ns walletdb.ReadBucket, id SubaccountID,
	f func(index uint32, pubKey []byte) error) error {

	b, err := readBucket(ns, importedBucketName)
	if err != nil {
		return err
	}

	prefix := subaccountKey(id)
	c := b.ReadCursor()
	k, v := c.Seek(prefix)
	for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if len(k) != 8 {
			return managerError(ErrCorrupt, fmt.Sprintf("imported "+
				"key %x", k), nil)
		}

		if err := f(binary.BigEndian.Uint32(k[4:]), v); err != nil {
			return err
		}
	}

	return nil
}

// addUsed records that txid touched k. It reports whether the txid was new.
func addUsed(ns walletdb.ReadWriteBucket, k Key,
	txid chainhash.Hash) (bool, error) {

	b, err := writeBucket(ns, usedBucketName)
	if err != nil {
		return false, err
	}

	key := slotKey(k)
	v := b.Get(key)
	for i := 0; i+chainhash.HashSize <= len(v); i += chainhash.HashSize {
		if bytes.Equal(v[i:i+chainhash.HashSize], txid[:]) {
			return false, nil
		}
	}

	nv := make([]byte, 0, len(v)+chainhash.HashSize)
	nv = append(nv, v...)
	nv = append(nv, txid[:]...)

	if err := b.Put(key, nv); err != nil {
		return false, managerError(ErrDatabase, "put used", err)
	}

	return true, nil
}

// removeUsed forgets that txid touched k. It returns the number of txids
// still recorded for the slot.
func removeUsed(ns walletdb.ReadWriteBucket, k Key,
	txid chainhash.Hash) (int, error) {

	b, err := writeBucket(ns, usedBucketName)
	if err != nil {
		return 0, err
	}

	key := slotKey(k)
	v := b.Get(key)

	nv := make([]byte, 0, len(v))
	for i := 0; i+chainhash.HashSize <= len(v); i += chainhash.HashSize {
		if !bytes.Equal(v[i:i+chainhash.HashSize], txid[:]) {
			nv = append(nv, v[i:i+chainhash.HashSize]...)
		}
	}

	remaining := len(nv) / chainhash.HashSize
	if remaining == 0 {
		err = b.Delete(key)
	} else {
		err = b.Put(key, nv)
	}
	if err != nil {
		return 0, managerError(ErrDatabase, "update used", err)
	}

	return remaining, nil
}

// fetchUsed returns the txids recorded for k.
func fetchUsed(ns walletdb.ReadBucket, k Key) ([]chainhash.Hash, error) {
	b, err := readBucket(ns, usedBucketName)
	if err != nil {
		return nil, err
	}

	v := b.Get(slotKey(k))
	if len(v)%chainhash.HashSize != 0 {
		return nil, managerError(ErrCorrupt, fmt.Sprintf("used record "+
			"of %v has %d bytes", k, len(v)), nil)
	}

	txids := make([]chainhash.Hash, len(v)/chainhash.HashSize)
	for i := range txids {
		copy(txids[i][:], v[i*chainhash.HashSize:])
	}

	return txids, nil
}

func encodeReservation(r Reservation) []byte {
	v := binary.LittleEndian.AppendUint64(nil, uint64(r.Time.Unix()))
	v = cursor.AppendVarBytes(v, []byte(r.Reason))

	return cursor.AppendVarBytes(v, []byte(r.Label))
}

func decodeReservation(v []byte) (Reservation, error) {
	c := cursor.New(v)

	ts, err := c.ReadInt64()
	if err != nil {
		return Reservation{}, err
	}

	reason, err := c.ReadVarBytes()
	if err != nil {
		return Reservation{}, err
	}

	label, err := c.ReadVarBytes()
	if err != nil {
		return Reservation{}, err
	}

	return Reservation{
		Reason: string(reason),
		Label:  string(label),
		Time:   time.Unix(ts, 0),
	}, nil
}

func putReservation(ns walletdb.ReadWriteBucket, k Key,
	r Reservation) error {

	b, err := writeBucket(ns, reservationBucketName)
	if err != nil {
		return err
	}

	if err := b.Put(slotKey(k), encodeReservation(r)); err != nil {
		return managerError(ErrDatabase, "put reservation", err)
	}

	return nil
}

func deleteReservation(ns walletdb.ReadWriteBucket, k Key) error {
	b, err := writeBucket(ns, reservationBucketName)
	if err != nil {
		return err
	}

	if err := b.Delete(slotKey(k)); err != nil {
		return managerError(ErrDatabase, "delete reservation", err)
	}

	return nil
}

// fetchReservation returns the reservation of k, if any.
func fetchReservation(ns walletdb.ReadBucket, k Key) (*Reservation, error) {
	b, err := readBucket(ns, reservationBucketName)
	if err != nil {
		return nil, err
	}

	v := b.Get(slotKey(k))
	if v == nil {
		return nil, nil
	}

	r, err := decodeReservation(v)
	if err != nil {
		return nil, managerError(ErrCorrupt, "decode reservation", err)
	}

	return &r, nil
}

func putProgress(ns walletdb.ReadWriteBucket, id SubaccountID, sc Subchain,
	stamp BlockStamp) error {

	b, err := writeBucket(ns, progressBucketName)
	if err != nil {
		return err
	}

	//nolint:gosec
	v := binary.LittleEndian.AppendUint32(nil, uint32(stamp.Height))
	v = append(v, stamp.Hash[:]...)

	if err := b.Put(subchainKey(id, sc), v); err != nil {
		return managerError(ErrDatabase, "put scan progress", err)
	}

	return nil
}

// fetchProgress returns the scan progress of a subchain. A subchain that
// never scanned reports the zero stamp.
func fetchProgress(ns walletdb.ReadBucket, id SubaccountID,
	sc Subchain) (BlockStamp, error) {

	b, err := readBucket(ns, progressBucketName)
	if err != nil {
		return BlockStamp{}, err
	}

	v := b.Get(subchainKey(id, sc))
	switch len(v) {
	case 0:
		return BlockStamp{}, nil

	case 4 + chainhash.HashSize:
		//nolint:gosec
		stamp := BlockStamp{Height: int32(binary.LittleEndian.Uint32(v))}
		copy(stamp.Hash[:], v[4:])

		return stamp, nil

	default:
		return BlockStamp{}, managerError(ErrCorrupt, fmt.Sprintf(
			"progress of %d/%v has %d bytes", id, sc, len(v)), nil)
	}
}
