// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package scriptclass classifies bitcoin scripts into the standard templates
// a wallet cares about and extracts the data it matches keys against. No
// script is ever executed.
package scriptclass

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// scriptVersion is the only script version the tokenizer is used with.
const scriptVersion = 0

// op is a single tokenized opcode along with any data it pushes.
type op struct {
	code byte
	data []byte
}

// Script is a classified script. All accessors are safe to call regardless
// of the pattern; those that do not apply return fn.None.
type Script struct {
	raw      []byte
	position Position
	pattern  Pattern

	// ops holds the tokenized script. It is nil for malformed scripts.
	ops []op

	// program is the hash or witness program of single-hash templates.
	program []byte

	// pushes holds, by pattern: the multisig public keys, the null data
	// payloads, the public key of P2PK, or every push of an input
	// script.
	pushes [][]byte

	m, n uint8
}

// Classify classifies raw in the given position. The returned Script
// references raw.
func Classify(raw []byte, position Position) *Script {
	s := &Script{raw: raw, position: position}

	switch {
	case position == PositionCoinbase:
		s.pattern = Coinbase
		return s

	case len(raw) == 0:
		s.pattern = Empty
		return s
	}

	ops, err := tokenize(raw)
	if err != nil {
		log.Tracef("Malformed %v script %x: %v", position, raw, err)

		s.pattern = Malformed
		return s
	}
	s.ops = ops

	if position == PositionInput {
		s.pattern = Input
		for _, o := range ops {
			if isPush(o.code) {
				s.pushes = append(s.pushes, pushData(o))
			}
		}

		return s
	}

	s.pattern = s.match()

	return s
}

// tokenize splits raw into opcodes.
func tokenize(raw []byte) ([]op, error) {
	var ops []op

	tok := txscript.MakeScriptTokenizer(scriptVersion, raw)
	for tok.Next() {
		ops = append(ops, op{code: tok.Opcode(), data: tok.Data()})
	}

	if err := tok.Err(); err != nil {
		return nil, err
	}

	return ops, nil
}

// match tries the output templates in priority order.
func (s *Script) match() Pattern {
	raw := s.raw

	switch {
	// OP_DUP OP_HASH160 <20> OP_EQUALVERIFY OP_CHECKSIG
	case len(raw) == 25 && raw[0] == txscript.OP_DUP &&
		raw[1] == txscript.OP_HASH160 &&
		raw[2] == txscript.OP_DATA_20 &&
		raw[23] == txscript.OP_EQUALVERIFY &&
		raw[24] == txscript.OP_CHECKSIG:

		s.program = raw[3:23]
		return PayToPubkeyHash

	// OP_HASH160 <20> OP_EQUAL
	case len(raw) == 23 && raw[0] == txscript.OP_HASH160 &&
		raw[1] == txscript.OP_DATA_20 && raw[22] == txscript.OP_EQUAL:

		s.program = raw[2:22]
		return PayToScriptHash

	// OP_0 <20>
	case len(raw) == 22 && raw[0] == txscript.OP_0 &&
		raw[1] == txscript.OP_DATA_20:

		s.program = raw[2:]
		return PayToWitnessPubkeyHash

	// OP_0 <32>
	case len(raw) == 34 && raw[0] == txscript.OP_0 &&
		raw[1] == txscript.OP_DATA_32:

		s.program = raw[2:]
		return PayToWitnessScriptHash

	// OP_1 <32>
	case len(raw) == 34 && raw[0] == txscript.OP_1 &&
		raw[1] == txscript.OP_DATA_32:

		s.program = raw[2:]
		return PayToTaproot
	}

	if s.matchMultisig() {
		return PayToMultisig
	}

	if s.matchNullData() {
		return NullData
	}

	// <pubkey> OP_CHECKSIG
	if len(s.ops) == 2 && s.ops[1].code == txscript.OP_CHECKSIG &&
		isPubkey(s.ops[0].data) {

		s.pushes = [][]byte{s.ops[0].data}
		return PayToPubkey
	}

	return Custom
}

// matchMultisig recognizes OP_m <pubkey>... OP_n OP_CHECKMULTISIG.
func (s *Script) matchMultisig() bool {
	ops := s.ops
	if len(ops) < 4 ||
		ops[len(ops)-1].code != txscript.OP_CHECKMULTISIG {

		return false
	}

	m, ok := smallInt(ops[0].code)
	if !ok || m == 0 {
		return false
	}
	n, ok := smallInt(ops[len(ops)-2].code)
	if !ok || n < m {
		return false
	}

	keys := ops[1 : len(ops)-2]
	if len(keys) != int(n) {
		return false
	}

	pushes := make([][]byte, 0, len(keys))
	for _, k := range keys {
		if !isPubkey(k.data) {
			return false
		}
		pushes = append(pushes, k.data)
	}

	s.m, s.n = m, n
	s.pushes = pushes

	return true
}

// matchNullData recognizes OP_RETURN followed only by pushes.
func (s *Script) matchNullData() bool {
	if s.ops[0].code != txscript.OP_RETURN {
		return false
	}

	pushes := make([][]byte, 0, len(s.ops)-1)
	for _, o := range s.ops[1:] {
		if !isPush(o.code) {
			return false
		}
		pushes = append(pushes, pushData(o))
	}
	s.pushes = pushes

	return true
}

// Bytes returns the raw script.
func (s *Script) Bytes() []byte {
	return s.raw
}

// Pattern returns the classification.
func (s *Script) Pattern() Pattern {
	return s.pattern
}

// Position returns the context the script was classified in.
func (s *Script) Position() Position {
	return s.position
}

// PubkeyHash returns the 20 byte key hash of a P2PKH or P2WPKH script.
func (s *Script) PubkeyHash() fn.Option[[]byte] {
	switch s.pattern {
	case PayToPubkeyHash, PayToWitnessPubkeyHash:
		return fn.Some(s.program)

	default:
		return fn.None[[]byte]()
	}
}

// ScriptHash returns the script hash of a P2SH (20 bytes) or P2WSH (32
// bytes) script.
func (s *Script) ScriptHash() fn.Option[[]byte] {
	switch s.pattern {
	case PayToScriptHash, PayToWitnessScriptHash:
		return fn.Some(s.program)

	default:
		return fn.None[[]byte]()
	}
}

// Pubkey returns the public key of a P2PK script.
func (s *Script) Pubkey() fn.Option[[]byte] {
	if s.pattern != PayToPubkey {
		return fn.None[[]byte]()
	}

	return fn.Some(s.pushes[0])
}

// TaprootKey returns the x-only output key of a P2TR script.
func (s *Script) TaprootKey() fn.Option[[]byte] {
	if s.pattern != PayToTaproot {
		return fn.None[[]byte]()
	}

	return fn.Some(s.program)
}

// WitnessProgram returns the witness version and program of a native
// witness output.
func (s *Script) WitnessProgram() fn.Option[WitnessProgram] {
	if !s.pattern.IsWitness() {
		return fn.None[WitnessProgram]()
	}

	version := byte(0)
	if s.pattern == PayToTaproot {
		version = 1
	}

	return fn.Some(WitnessProgram{Version: version, Program: s.program})
}

// WitnessProgram is a segwit version and program pair.
type WitnessProgram struct {
	Version byte
	Program []byte
}

// M returns the number of required signatures of a multisig script.
func (s *Script) M() fn.Option[uint8] {
	if s.pattern != PayToMultisig {
		return fn.None[uint8]()
	}

	return fn.Some(s.m)
}

// N returns the number of public keys of a multisig script.
func (s *Script) N() fn.Option[uint8] {
	if s.pattern != PayToMultisig {
		return fn.None[uint8]()
	}

	return fn.Some(s.n)
}

// MultisigPubkey returns the i-th public key of a multisig script.
func (s *Script) MultisigPubkey(i int) fn.Option[[]byte] {
	if s.pattern != PayToMultisig || i < 0 || i >= len(s.pushes) {
		return fn.None[[]byte]()
	}

	return fn.Some(s.pushes[i])
}

// DataElementCount returns the number of pushes after OP_RETURN in a null
// data script, and zero for any other pattern.
func (s *Script) DataElementCount() int {
	if s.pattern != NullData {
		return 0
	}

	return len(s.pushes)
}

// DataElement returns the i-th push after OP_RETURN of a null data script.
func (s *Script) DataElement(i int) fn.Option[[]byte] {
	if s.pattern != NullData || i < 0 || i >= len(s.pushes) {
		return fn.None[[]byte]()
	}

	return fn.Some(s.pushes[i])
}

// Pushes returns every data push of an input script.
func (s *Script) Pushes() [][]byte {
	if s.pattern != Input {
		return nil
	}

	return s.pushes
}

// Elements returns the data a wallet can match in this script.
func (s *Script) Elements() []Element {
	switch s.pattern {
	case PayToPubkeyHash, PayToWitnessPubkeyHash:
		return []Element{{Kind: ElementPubkeyHash, Data: s.program}}

	case PayToScriptHash:
		return []Element{{Kind: ElementScriptHash, Data: s.program}}

	case PayToWitnessScriptHash:
		return []Element{{
			Kind: ElementWitnessScriptHash, Data: s.program,
		}}

	case PayToTaproot:
		return []Element{{Kind: ElementTaprootKey, Data: s.program}}

	case PayToPubkey, PayToMultisig:
		elems := make([]Element, 0, len(s.pushes))
		for _, k := range s.pushes {
			elems = append(elems, Element{
				Kind: ElementPubkey, Data: k,
			})
		}

		return elems

	case Input:
		var elems []Element
		for _, p := range s.pushes {
			if isPubkey(p) {
				elems = append(elems, Element{
					Kind: ElementPubkey, Data: p,
				})
			}
		}

		return elems

	default:
		return nil
	}
}

// String returns the disassembled script. A malformed script is printed up
// to the failing opcode.
func (s *Script) String() string {
	str, err := txscript.DisasmString(s.raw)
	if err != nil {
		return str + " [error]"
	}

	return str
}

// InputElements extracts the elements of a spend: public keys pushed by the
// signature script or revealed in the witness, and the script hash of a
// P2SH redeem script.
func InputElements(sigScript []byte, witness [][]byte) []Element {
	s := Classify(sigScript, PositionInput)
	elems := s.Elements()

	// The last push of a P2SH spend is the redeem script.
	if pushes := s.Pushes(); len(pushes) > 0 {
		redeem := pushes[len(pushes)-1]
		if rs := Classify(redeem, PositionRedeem); rs.Pattern() != Custom &&
			rs.Pattern() != Malformed && rs.Pattern() != Empty {

			elems = append(elems, Element{
				Kind: ElementScriptHash,
				Data: btcutil.Hash160(redeem),
			})
		}
	}

	for _, item := range witness {
		if isPubkey(item) {
			elems = append(elems, Element{
				Kind: ElementPubkey, Data: item,
			})
		}
	}

	return elems
}

// isPush reports whether code only pushes data. OP_RESERVED sits among the
// push opcodes but fails the script.
func isPush(code byte) bool {
	return code <= txscript.OP_16 && code != txscript.OP_RESERVED
}

// pushData returns the value pushed by o. Small integer opcodes push their
// value as a single byte, OP_1NEGATE pushes the script number -1.
func pushData(o op) []byte {
	if o.code == txscript.OP_1NEGATE {
		return []byte{0x81}
	}
	if v, ok := smallInt(o.code); ok && o.code != txscript.OP_0 {
		return []byte{v}
	}

	return o.data
}

// smallInt decodes OP_0 and OP_1 through OP_16.
func smallInt(code byte) (uint8, bool) {
	switch {
	case code == txscript.OP_0:
		return 0, true

	case code >= txscript.OP_1 && code <= txscript.OP_16:
		return code - (txscript.OP_1 - 1), true

	default:
		return 0, false
	}
}

// isPubkey reports whether b has the length and prefix of a serialized
// secp256k1 public key.
func isPubkey(b []byte) bool {
	switch len(b) {
	case 33:
		return b[0] == 0x02 || b[0] == 0x03

	case 65:
		return b[0] == 0x04 || b[0] == 0x06 || b[0] == 0x07

	default:
		return false
	}
}
