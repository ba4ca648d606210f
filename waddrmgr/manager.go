// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package waddrmgr derives and tracks the key material of wallet
// subaccounts. A subaccount is one of four kinds: a BIP-32 HD account, a
// BIP-47 payment code channel, a set of imported keys, or a notification
// watch on a payment code. Every subaccount is split into subchains whose
// indexes are generated, reserved and marked as used as transactions touch
// them, and each subchain keeps its own scan progress.
//
// All mutations take a walletdb bucket and write through it. The in-memory
// view is only updated once the enclosing database transaction commits.
package waddrmgr

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcwallet/walletdb"
)

// DefaultLookahead is the lookahead used when a subaccount is added with a
// lookahead of zero.
const DefaultLookahead = 20

// subchainRef names one subchain of one subaccount.
type subchainRef struct {
	id SubaccountID
	sc Subchain
}

// Manager owns every subaccount of a wallet and the elements derived from
// them.
type Manager struct {
	mu sync.RWMutex

	params *chaincfg.Params

	// subaccounts is the subaccount arena indexed by SubaccountID.
	subaccounts []*subaccount

	// elements is the element arena indexed by ElementIndex.
	elements []*Element

	progress map[subchainRef]BlockStamp
}

// Create initializes the manager buckets inside ns.
func Create(ns walletdb.ReadWriteBucket) error {
	return createBuckets(ns)
}

// Open loads every subaccount persisted in ns and derives their watched
// windows.
func Open(ns walletdb.ReadBucket, params *chaincfg.Params) (*Manager,
	error) {

	m := &Manager{
		params:   params,
		progress: make(map[subchainRef]BlockStamp),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	err := forEachSubaccount(ns, func(id SubaccountID,
		r *subaccountRecord) error {

		sa, err := m.loadSubaccount(ns, id, r)
		if err != nil {
			return fmt.Errorf("subaccount %d: %w", id, err)
		}

		m.install(sa)

		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Debugf("Opened address manager with %d subaccounts and %d "+
		"elements", len(m.subaccounts), len(m.elements))

	return m, nil
}

// loadSubaccount rebuilds a subaccount from its record and its branch,
// imported key and progress records.
func (m *Manager) loadSubaccount(ns walletdb.ReadBucket, id SubaccountID,
	r *subaccountRecord) (*subaccount, error) {

	kind := SubaccountKind(r.kind)
	sa := newSubaccount(id, kind, string(r.owner), string(r.name),
		r.lookahead)

	switch kind {
	case KindHD:
		key, err := hdkeychain.NewKeyFromString(string(r.key))
		if err != nil {
			return nil, managerError(ErrCorrupt, "decode hd key", err)
		}

		sa.hd = &hdAccount{
			key:        key,
			branchKeys: make(map[Subchain]*hdkeychain.ExtendedKey),
		}

	case KindPaymentCode:
		local, err := hdkeychain.NewKeyFromString(string(r.key))
		if err != nil {
			return nil, managerError(ErrCorrupt, "decode local key",
				err)
		}

		remote, err := DecodePaymentCode(r.remote)
		if err != nil {
			return nil, err
		}

		sa.channel, err = newPaymentChannel(local, remote)
		if err != nil {
			return nil, err
		}

	case KindImported:
		sa.imported = &importedKeys{}

		err := forEachImported(ns, id, func(index uint32,
			pubKey []byte) error {

			pub, err := btcec.ParsePubKey(pubKey)
			if err != nil {
				return managerError(ErrCorrupt, fmt.Sprintf(
					"imported key %d", index), err)
			}
			sa.imported.keys = append(sa.imported.keys, pub)

			return nil
		})
		if err != nil {
			return nil, err
		}

	case KindNotification:
		code, err := DecodePaymentCode(r.remote)
		if err != nil {
			return nil, err
		}
		sa.notify = &notificationWatch{code: code}

	default:
		return nil, managerError(ErrCorrupt, fmt.Sprintf("unknown "+
			"subaccount kind %d", r.kind), nil)
	}

	for _, sc := range kind.subchains() {
		next, nextUnfound, err := fetchBranch(ns, id, sc)
		if err != nil {
			return nil, err
		}

		horizon, err := m.extend(sa, sc, next, nextUnfound)
		if err != nil {
			return nil, err
		}
		sa.branches[sc].apply(next, nextUnfound, horizon)

		stamp, err := fetchProgress(ns, id, sc)
		if err != nil {
			return nil, err
		}
		m.progress[subchainRef{id, sc}] = stamp
	}

	return sa, nil
}

// install places sa in the subaccount arena. The caller must hold the
// write lock.
func (m *Manager) install(sa *subaccount) {
	for int(sa.id) >= len(m.subaccounts) {
		m.subaccounts = append(m.subaccounts, nil)
	}
	m.subaccounts[sa.id] = sa
}

// nextID allocates the id of a new subaccount.
func nextID(ns walletdb.ReadWriteBucket) (SubaccountID, error) {
	b, err := writeBucket(ns, subaccountBucketName)
	if err != nil {
		return 0, err
	}

	seq, err := b.NextSequence()
	if err != nil {
		return 0, managerError(ErrDatabase, "next subaccount id", err)
	}

	//nolint:gosec
	return SubaccountID(seq - 1), nil
}

// isInvalidChild reports whether err marks an index that must be skipped.
func isInvalidChild(err error) bool {
	return errors.Is(err, hdkeychain.ErrInvalidChild) ||
		errors.Is(err, errInvalidSecret)
}

// ensure returns the element at (sc, index), deriving and caching it if
// needed. The caller must hold the write lock.
func (m *Manager) ensure(sa *subaccount, sc Subchain,
	index uint32) (ElementIndex, error) {

	b := sa.branches[sc]
	if e, ok := b.element(index); ok {
		return e, nil
	}

	if b.isInvalid(index) {
		return 0, hdkeychain.ErrInvalidChild
	}

	pub, err := sa.derive(sc, index)
	if isInvalidChild(err) {
		b.markInvalidChild(index)
		return 0, err
	}
	if err != nil {
		return 0, err
	}

	//nolint:gosec
	e := ElementIndex(len(m.elements))
	m.elements = append(m.elements, NewElement(Key{
		Subaccount: sa.id, Subchain: sc, Index: index,
	}, pub))
	b.elements[index] = e

	return e, nil
}

// extend derives every element needed for the window implied by the given
// high-water marks and returns the resulting horizon. The branch horizon is
// left untouched so the caller can install it on commit. The caller must
// hold the write lock.
func (m *Manager) extend(sa *subaccount, sc Subchain, next,
	nextUnfound uint32) (uint32, error) {

	b := sa.branches[sc]

	switch sa.kind {
	case KindImported:
		return uint32(len(sa.imported.keys)), m.deriveAll(sa, sc)

	case KindNotification:
		if _, err := m.ensure(sa, sc, 0); err != nil {
			return 0, err
		}

		return 1, nil
	}

	want := b.wantHorizon(next, nextUnfound)
	for index := b.horizon; index < want; index++ {
		_, err := m.ensure(sa, sc, index)
		switch {
		case isInvalidChild(err):
			log.Debugf("Skipping invalid child %d of %d/%v", index,
				sa.id, sc)

			want++

		case err != nil:
			return 0, fmt.Errorf("derive %d/%v/%d: %w", sa.id, sc,
				index, err)
		}
	}

	return want, nil
}

// deriveAll builds the element of every imported key.
func (m *Manager) deriveAll(sa *subaccount, sc Subchain) error {
	for i := range sa.imported.keys {
		//nolint:gosec
		if _, err := m.ensure(sa, sc, uint32(i)); err != nil {
			return err
		}
	}

	return nil
}

// lookup returns the subaccount with the given id.
func (m *Manager) lookup(id SubaccountID) (*subaccount, error) {
	if int(id) >= len(m.subaccounts) || m.subaccounts[id] == nil {
		return nil, managerError(ErrSubaccountNotFound, fmt.Sprintf(
			"subaccount %d not found", id), nil)
	}

	return m.subaccounts[id], nil
}

// lookupSubchain returns the subaccount of id after checking it has sc.
func (m *Manager) lookupSubchain(id SubaccountID,
	sc Subchain) (*subaccount, error) {

	sa, err := m.lookup(id)
	if err != nil {
		return nil, err
	}

	if !sa.kind.hasSubchain(sc) {
		return nil, managerError(ErrInvalidSubchain, fmt.Sprintf(
			"%v subaccount %d has no %v subchain", sa.kind, id, sc),
			nil)
	}

	return sa, nil
}

// add persists a new subaccount and derives its initial windows. The
// subaccount becomes visible once ns commits.
func (m *Manager) add(ns walletdb.ReadWriteBucket, sa *subaccount,
	r *subaccountRecord) (SubaccountID, error) {

	id, err := nextID(ns)
	if err != nil {
		return 0, err
	}
	sa.id = id

	if err := putSubaccount(ns, id, r); err != nil {
		return 0, err
	}

	m.mu.Lock()
	horizons := make(map[Subchain]uint32)
	for _, sc := range sa.kind.subchains() {
		horizons[sc], err = m.extend(sa, sc, 0, 0)
		if err != nil {
			m.mu.Unlock()
			return 0, err
		}
	}
	m.mu.Unlock()

	ns.Tx().OnCommit(func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		for sc, horizon := range horizons {
			sa.branches[sc].apply(0, 0, horizon)
		}
		m.install(sa)

		log.Infof("Added %v subaccount %d (%s) for owner %q", sa.kind,
			id, sa.name, sa.owner)
	})

	return id, nil
}

// AddHD adds an HD subaccount watching the external and internal branches
// of the account level key xkey.
func (m *Manager) AddHD(ns walletdb.ReadWriteBucket, owner, name string,
	xkey *hdkeychain.ExtendedKey, lookahead uint32) (SubaccountID, error) {

	if !xkey.IsForNet(m.params) {
		return 0, managerError(ErrDerivation, fmt.Sprintf("key is not "+
			"for %s", m.params.Name), nil)
	}

	if lookahead == 0 {
		lookahead = DefaultLookahead
	}

	sa := newSubaccount(0, KindHD, owner, name, lookahead)
	sa.hd = &hdAccount{
		key:        xkey,
		branchKeys: make(map[Subchain]*hdkeychain.ExtendedKey),
	}

	return m.add(ns, sa, &subaccountRecord{
		kind:      uint8(KindHD),
		owner:     []byte(owner),
		name:      []byte(name),
		key:       []byte(xkey.String()),
		lookahead: lookahead,
	})
}

func newPaymentChannel(local *hdkeychain.ExtendedKey,
	remote *PaymentCode) (*paymentChannel, error) {

	if !local.IsPrivate() {
		return nil, managerError(ErrDerivation, "local payment code "+
			"key must be private", nil)
	}

	localCode, err := NewPaymentCode(local)
	if err != nil {
		return nil, managerError(ErrDerivation, "local payment code",
			err)
	}

	return &paymentChannel{
		local:     local,
		localCode: localCode,
		remote:    remote,
	}, nil
}

// AddPaymentCode adds a BIP-47 channel between the private account key
// local and the remote payment code.
func (m *Manager) AddPaymentCode(ns walletdb.ReadWriteBucket, owner string,
	local *hdkeychain.ExtendedKey, remote *PaymentCode,
	lookahead uint32) (SubaccountID, error) {

	channel, err := newPaymentChannel(local, remote)
	if err != nil {
		return 0, err
	}

	if lookahead == 0 {
		lookahead = DefaultLookahead
	}

	name := remote.String()
	sa := newSubaccount(0, KindPaymentCode, owner, name, lookahead)
	sa.channel = channel

	return m.add(ns, sa, &subaccountRecord{
		kind:      uint8(KindPaymentCode),
		owner:     []byte(owner),
		name:      []byte(name),
		key:       []byte(local.String()),
		remote:    remote.Bytes(),
		lookahead: lookahead,
	})
}

// AddImported adds an empty imported subaccount. Keys are added with
// ImportKey.
func (m *Manager) AddImported(ns walletdb.ReadWriteBucket, owner,
	name string) (SubaccountID, error) {

	sa := newSubaccount(0, KindImported, owner, name, 0)
	sa.imported = &importedKeys{}

	return m.add(ns, sa, &subaccountRecord{
		kind:  uint8(KindImported),
		owner: []byte(owner),
		name:  []byte(name),
	})
}

// AddNotification adds a watch on the notification key of code.
func (m *Manager) AddNotification(ns walletdb.ReadWriteBucket, owner string,
	code *PaymentCode) (SubaccountID, error) {

	name := code.String()
	sa := newSubaccount(0, KindNotification, owner, name, 0)
	sa.notify = &notificationWatch{code: code}

	return m.add(ns, sa, &subaccountRecord{
		kind:   uint8(KindNotification),
		owner:  []byte(owner),
		name:   []byte(name),
		remote: code.Bytes(),
	})
}

// ImportKey adds pub to an imported subaccount. Importing a key twice
// returns the existing slot.
func (m *Manager) ImportKey(ns walletdb.ReadWriteBucket, id SubaccountID,
	pub *btcec.PublicKey) (Key, error) {

	m.mu.RLock()
	sa, err := m.lookup(id)
	if err != nil {
		m.mu.RUnlock()
		return Key{}, err
	}

	if sa.kind != KindImported {
		m.mu.RUnlock()
		return Key{}, managerError(ErrNotSupported, fmt.Sprintf(
			"cannot import into %v subaccount", sa.kind), nil)
	}

	for i, k := range sa.imported.keys {
		if k.IsEqual(pub) {
			m.mu.RUnlock()

			//nolint:gosec
			return Key{Subaccount: id, Subchain: External,
				Index: uint32(i)}, nil
		}
	}
	m.mu.RUnlock()

	next, nextUnfound, err := fetchBranch(ns, id, External)
	if err != nil {
		return Key{}, err
	}

	err = putImported(ns, id, next, pub.SerializeCompressed())
	if err != nil {
		return Key{}, err
	}

	if err := putBranch(ns, id, External, next+1, nextUnfound); err != nil {
		return Key{}, err
	}

	key := Key{Subaccount: id, Subchain: External, Index: next}

	ns.Tx().OnCommit(func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		for uint32(len(sa.imported.keys)) <= next {
			sa.imported.keys = append(sa.imported.keys, nil)
		}
		sa.imported.keys[next] = pub

		if _, err := m.ensure(sa, External, next); err != nil {
			log.Errorf("Unable to index imported key %v: %v", key,
				err)
		}
		sa.branches[External].apply(next+1, nextUnfound, next+1)
	})

	return key, nil
}

// Subaccount returns the description of a subaccount.
func (m *Manager) Subaccount(id SubaccountID) (SubaccountInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sa, err := m.lookup(id)
	if err != nil {
		return SubaccountInfo{}, err
	}

	return sa.info(), nil
}

// Subaccounts returns the description of every subaccount in id order.
func (m *Manager) Subaccounts() []SubaccountInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]SubaccountInfo, 0, len(m.subaccounts))
	for _, sa := range m.subaccounts {
		if sa != nil {
			infos = append(infos, sa.info())
		}
	}

	return infos
}

// Capabilities returns what the subaccount supports.
func (m *Manager) Capabilities(id SubaccountID) (Capabilities, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sa, err := m.lookup(id)
	if err != nil {
		return Capabilities{}, err
	}

	return sa.kind.capabilities(), nil
}

// Lookahead returns the number of unused indexes watched past the
// high-water mark of each subchain of the subaccount.
func (m *Manager) Lookahead(id SubaccountID) (uint32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sa, err := m.lookup(id)
	if err != nil {
		return 0, err
	}

	return sa.lookahead, nil
}

// BalanceElement returns the element of key. Imported keys are looked up
// directly, derived keys are computed on demand. Notification subaccounts
// have no balance elements.
func (m *Manager) BalanceElement(key Key) (*Element, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sa, err := m.lookupSubchain(key.Subaccount, key.Subchain)
	if err != nil {
		return nil, err
	}

	switch sa.kind {
	case KindNotification:
		return nil, managerError(ErrNotSupported, "notification "+
			"subaccounts have no balance elements", nil)

	case KindImported:
		e, ok := sa.branches[key.Subchain].element(key.Index)
		if !ok {
			return nil, managerError(ErrKeyNotFound, fmt.Sprintf(
				"imported key %v not found", key), nil)
		}

		return m.elements[e], nil
	}

	e, err := m.ensure(sa, key.Subchain, key.Index)
	if err != nil {
		return nil, managerError(ErrDerivation, fmt.Sprintf("derive "+
			"%v", key), err)
	}

	return m.elements[e], nil
}

// NotificationElement returns the element of a notification subaccount.
func (m *Manager) NotificationElement(id SubaccountID) (*Element, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sa, err := m.lookupSubchain(id, Notification)
	if err != nil {
		return nil, err
	}

	e, ok := sa.branches[Notification].element(0)
	if !ok {
		return nil, managerError(ErrKeyNotFound, "notification key "+
			"not derived", nil)
	}

	return m.elements[e], nil
}

// Element returns the element at an arena index.
func (m *Manager) Element(idx ElementIndex) (*Element, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if int(idx) >= len(m.elements) {
		return nil, managerError(ErrKeyNotFound, fmt.Sprintf("element "+
			"%d not found", idx), nil)
	}

	return m.elements[idx], nil
}

// Elements returns every element inside the watched windows of the
// subaccount, ordered by subchain and index.
func (m *Manager) Elements(id SubaccountID) ([]*Element, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sa, err := m.lookup(id)
	if err != nil {
		return nil, err
	}

	return m.watched(sa), nil
}

// AllElements returns the watched elements of every subaccount.
func (m *Manager) AllElements() []*Element {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var elems []*Element
	for _, sa := range m.subaccounts {
		if sa != nil {
			elems = append(elems, m.watched(sa)...)
		}
	}

	return elems
}

// watched lists the elements below the horizon of each subchain. The
// caller must hold the lock.
func (m *Manager) watched(sa *subaccount) []*Element {
	var elems []*Element
	for _, sc := range sa.kind.subchains() {
		b := sa.branches[sc]
		for index := uint32(0); index < b.horizon; index++ {
			if e, ok := b.element(index); ok {
				elems = append(elems, m.elements[e])
			}
		}
	}

	return elems
}

// Horizon returns one past the highest watched index of a subchain.
func (m *Manager) Horizon(id SubaccountID, sc Subchain) (uint32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sa, err := m.lookupSubchain(id, sc)
	if err != nil {
		return 0, err
	}

	return sa.branches[sc].horizon, nil
}

// GenerateNext allocates the next index of a subchain and returns it.
func (m *Manager) GenerateNext(ns walletdb.ReadWriteBucket, id SubaccountID,
	sc Subchain) (uint32, error) {

	m.mu.RLock()
	sa, err := m.lookupSubchain(id, sc)
	m.mu.RUnlock()
	if err != nil {
		return 0, err
	}

	if !sa.kind.capabilities().Generation {
		return 0, managerError(ErrNotSupported, fmt.Sprintf("%v "+
			"subaccounts cannot generate keys", sa.kind), nil)
	}

	return m.generateNext(ns, sa, sc)
}

func (m *Manager) generateNext(ns walletdb.ReadWriteBucket, sa *subaccount,
	sc Subchain) (uint32, error) {

	next, nextUnfound, err := fetchBranch(ns, sa.id, sc)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	index := next
	for {
		_, err := m.ensure(sa, sc, index)
		if isInvalidChild(err) {
			index++
			continue
		}
		if err != nil {
			m.mu.Unlock()
			return 0, managerError(ErrDerivation, "derive next key",
				err)
		}

		break
	}

	horizon, err := m.extend(sa, sc, index+1, nextUnfound)
	m.mu.Unlock()
	if err != nil {
		return 0, err
	}

	if err := putBranch(ns, sa.id, sc, index+1, nextUnfound); err != nil {
		return 0, err
	}

	ns.Tx().OnCommit(func() {
		m.mu.Lock()
		sa.branches[sc].apply(index+1, nextUnfound, horizon)
		m.mu.Unlock()
	})

	log.Tracef("Generated %d/%v/%d", sa.id, sc, index)

	return index, nil
}

// Reserve hands out an index of a subchain for the given purpose. A
// generated index that was never used or reserved is reused before a new
// one is generated.
func (m *Manager) Reserve(ns walletdb.ReadWriteBucket, id SubaccountID,
	sc Subchain, reason, label string, t time.Time) (Key, error) {

	m.mu.RLock()
	sa, err := m.lookupSubchain(id, sc)
	m.mu.RUnlock()
	if err != nil {
		return Key{}, err
	}

	if !sa.kind.capabilities().Reservation {
		return Key{}, managerError(ErrNotSupported, fmt.Sprintf("%v "+
			"subaccounts cannot reserve keys", sa.kind), nil)
	}

	next, _, err := fetchBranch(ns, id, sc)
	if err != nil {
		return Key{}, err
	}

	key, found, err := m.findReusable(ns, sa, sc, next)
	if err != nil {
		return Key{}, err
	}

	if !found {
		index, err := m.generateNext(ns, sa, sc)
		if err != nil {
			return Key{}, err
		}
		key = Key{Subaccount: id, Subchain: sc, Index: index}
	}

	err = putReservation(ns, key, Reservation{
		Reason: reason, Label: label, Time: t,
	})
	if err != nil {
		return Key{}, err
	}

	log.Debugf("Reserved %v for %q (reused=%v)", key, reason, found)

	return key, nil
}

// findReusable returns the lowest generated index that is neither used nor
// reserved.
func (m *Manager) findReusable(ns walletdb.ReadBucket, sa *subaccount,
	sc Subchain, next uint32) (Key, bool, error) {

	for index := uint32(0); index < next; index++ {
		m.mu.RLock()
		invalid := sa.branches[sc].isInvalid(index)
		m.mu.RUnlock()
		if invalid {
			continue
		}

		key := Key{Subaccount: sa.id, Subchain: sc, Index: index}

		used, err := fetchUsed(ns, key)
		if err != nil {
			return Key{}, false, err
		}
		if len(used) > 0 {
			continue
		}

		r, err := fetchReservation(ns, key)
		if err != nil {
			return Key{}, false, err
		}
		if r == nil {
			return key, true, nil
		}
	}

	return Key{}, false, nil
}

// Release drops the reservation of key, making it eligible for reuse once
// it is also unused.
func (m *Manager) Release(ns walletdb.ReadWriteBucket, key Key) error {
	return deleteReservation(ns, key)
}

// Reservation returns the reservation of key, if any.
func (m *Manager) Reservation(ns walletdb.ReadBucket,
	key Key) (*Reservation, error) {

	return fetchReservation(ns, key)
}

// Confirm records that txid touched key. The first use of an index at or
// past the high-water mark extends the watched window so lookahead unused
// keys always follow the highest used one.
func (m *Manager) Confirm(ns walletdb.ReadWriteBucket, key Key,
	txid chainhash.Hash) error {

	m.mu.RLock()
	sa, err := m.lookupSubchain(key.Subaccount, key.Subchain)
	m.mu.RUnlock()
	if err != nil {
		return err
	}

	added, err := addUsed(ns, key, txid)
	if err != nil || !added {
		return err
	}

	next, nextUnfound, err := fetchBranch(ns, key.Subaccount, key.Subchain)
	if err != nil {
		return err
	}
	if key.Index < nextUnfound {
		return nil
	}
	nextUnfound = key.Index + 1

	m.mu.Lock()
	horizon, err := m.extend(sa, key.Subchain, next, nextUnfound)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	err = putBranch(ns, key.Subaccount, key.Subchain, next, nextUnfound)
	if err != nil {
		return err
	}

	ns.Tx().OnCommit(func() {
		m.mu.Lock()
		sa.branches[key.Subchain].apply(next, nextUnfound, horizon)
		m.mu.Unlock()
	})

	log.Debugf("Key %v first used by %v, horizon now %d", key, txid,
		horizon)

	return nil
}

// Unconfirm forgets that txid touched key. The watched window never
// shrinks.
func (m *Manager) Unconfirm(ns walletdb.ReadWriteBucket, key Key,
	txid chainhash.Hash) error {

	m.mu.RLock()
	_, err := m.lookupSubchain(key.Subaccount, key.Subchain)
	m.mu.RUnlock()
	if err != nil {
		return err
	}

	_, err = removeUsed(ns, key, txid)

	return err
}

// IsUsed reports whether any transaction touched key.
func (m *Manager) IsUsed(ns walletdb.ReadBucket, key Key) (bool, error) {
	txids, err := fetchUsed(ns, key)
	if err != nil {
		return false, err
	}

	return len(txids) > 0, nil
}

// ScanProgress returns the last block scanned for a subchain.
func (m *Manager) ScanProgress(id SubaccountID,
	sc Subchain) (BlockStamp, error) {

	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, err := m.lookupSubchain(id, sc); err != nil {
		return BlockStamp{}, err
	}

	return m.progress[subchainRef{id, sc}], nil
}

// SetScanProgress records the last block scanned for a subchain.
func (m *Manager) SetScanProgress(ns walletdb.ReadWriteBucket,
	id SubaccountID, sc Subchain, stamp BlockStamp) error {

	m.mu.RLock()
	_, err := m.lookupSubchain(id, sc)
	m.mu.RUnlock()
	if err != nil {
		return err
	}

	if err := putProgress(ns, id, sc, stamp); err != nil {
		return err
	}

	ns.Tx().OnCommit(func() {
		m.mu.Lock()
		m.progress[subchainRef{id, sc}] = stamp
		m.mu.Unlock()
	})

	return nil
}
