// Package beacon implements the UTXO-owning side of a beacon service: an
// address manager that tracks spendable outputs for a single Bitcoin
// address and a beacon manager layered on top of it that constructs
// beacon-signal transactions, per spec.md §4.4 and libbtcr2's
// address_manager.py/beacon_manager.py.
package beacon

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/sirupsen/logrus"

	"github.com/decentralized-identity/did-btcr2-go/errs"
	"github.com/decentralized-identity/did-btcr2-go/explorer"
	"github.com/decentralized-identity/did-btcr2-go/identifier"
)

var log = logrus.WithField("prefix", "beacon")

// DefaultTxFee is the flat per-transaction fee (in satoshis) this method
// uses for both beacon signals and general sends, per libbtcr2
// constants.py's DEFAULT_TX_FEE. Dynamic fee estimation is out of scope
// (spec.md §1 Non-goals).
const DefaultTxFee int64 = 4000

// MaxSupplySatoshis bounds the amount argument to SendToAddress.
const MaxSupplySatoshis int64 = 21_000_000 * 100_000_000

// UTXO is a single spendable output this manager knows about.
type UTXO struct {
	PrevTxid  chainhash.Hash
	PrevIndex uint32
	Value     int64
	PkScript  []byte
}

// AddressManager tracks the UTXO set for a single address and can spend
// from it, signing with SigningKey. Its UTXO queue is consulted and
// replenished FIFO: SendToAddress and Manager.ConstructSignal both
// consume from the front and push newly created change outputs to the
// back, optimistically, before the spending transaction is even
// broadcast — mirroring libbtcr2's eager utxo_tx_ins.append right after
// building (not after confirming) a transaction.
type AddressManager struct {
	Network    identifier.Network
	Address    btcutil.Address
	PkScript   []byte
	SigningKey *btcec.PrivateKey
	Explorer   explorer.Client
	TxFee      int64

	utxos []UTXO
}

// NewAddressManager constructs a manager for address, fetching its
// current UTXO set. A fetch failure is logged, not fatal — it leaves the
// manager with an empty queue, exactly as fetch_utxos's try/except does,
// since a manager can still be funded later via AddFundingTx.
func NewAddressManager(network identifier.Network, address btcutil.Address, pkScript []byte, signingKey *btcec.PrivateKey, explorerClient explorer.Client) *AddressManager {
	m := &AddressManager{
		Network:    network,
		Address:    address,
		PkScript:   pkScript,
		SigningKey: signingKey,
		Explorer:   explorerClient,
		TxFee:      DefaultTxFee,
	}
	if err := m.FetchUTXOs(); err != nil {
		log.WithError(err).WithField("address", address.EncodeAddress()).Error("fetching utxos")
	}
	return m
}

// FetchUTXOs replaces the manager's UTXO queue with the address's current
// UTXO set from Explorer.
func (m *AddressManager) FetchUTXOs() error {
	raw, err := m.Explorer.GetAddressUTXOs(m.Address.EncodeAddress())
	if err != nil {
		return fmt.Errorf("beacon: fetch utxos: %w", err)
	}
	utxos := make([]UTXO, 0, len(raw))
	for _, u := range raw {
		txid, err := chainhash.NewHashFromStr(u.Txid)
		if err != nil {
			log.WithError(err).WithField("txid", u.Txid).Warn("skipping utxo with unparseable txid")
			continue
		}
		utxos = append(utxos, UTXO{PrevTxid: *txid, PrevIndex: u.Vout, Value: u.Value, PkScript: m.PkScript})
	}
	m.utxos = utxos
	log.WithFields(logrus.Fields{"address": m.Address.EncodeAddress(), "count": len(utxos)}).Info("fetched utxos")
	return nil
}

// AddFundingTx scans tx's outputs for any paying this manager's address
// and appends them to the UTXO queue.
func (m *AddressManager) AddFundingTx(tx *wire.MsgTx) {
	txid := tx.TxHash()
	for i, out := range tx.TxOut {
		if !scriptsEqual(out.PkScript, m.PkScript) {
			continue
		}
		m.utxos = append(m.utxos, UTXO{PrevTxid: txid, PrevIndex: uint32(i), Value: out.Value, PkScript: m.PkScript})
		log.WithFields(logrus.Fields{"txid": txid.String(), "vout": i}).Info("added funding utxo")
	}
}

// SendToAddress builds, signs and broadcasts a transaction paying amount
// satoshis to destPkScript, refunding the remainder to this manager's own
// address. The UTXOs it spends are removed from the queue and the new
// change output is pushed to the back — unlike libbtcr2's
// AddressManager.send_to_address, which never removes the UTXOs it just
// spent from its own queue (a double-spend-on-next-call bug this
// implementation does not reproduce; see DESIGN.md).
func (m *AddressManager) SendToAddress(destPkScript []byte, amount int64) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("%w: amount must be greater than 0", errs.ErrAmountOutOfRange)
	}
	if amount > MaxSupplySatoshis {
		return "", fmt.Errorf("%w: amount exceeds maximum bitcoin supply", errs.ErrAmountOutOfRange)
	}
	if len(m.utxos) == 0 {
		if err := m.FetchUTXOs(); err != nil || len(m.utxos) == 0 {
			return "", fmt.Errorf("%w: no utxos, fund address %s", errs.ErrInsufficientFunds, m.Address.EncodeAddress())
		}
	}

	need := amount + m.TxFee
	selected, total, remaining := selectUTXOs(m.utxos, need)
	if total < need {
		return "", fmt.Errorf("%w: need %d satoshis, have %d", errs.ErrInsufficientFunds, need, total)
	}
	refundAmount := total - need

	tx := wire.NewMsgTx(1)
	for _, u := range selected {
		tx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Hash: u.PrevTxid, Index: u.PrevIndex}})
	}
	tx.AddTxOut(wire.NewTxOut(amount, destPkScript))
	tx.AddTxOut(wire.NewTxOut(refundAmount, m.PkScript))

	if err := signInputs(tx, selected, m.SigningKey); err != nil {
		return "", fmt.Errorf("beacon: sign send transaction: %w", err)
	}

	txHex, err := serializeTx(tx)
	if err != nil {
		return "", fmt.Errorf("beacon: serialize send transaction: %w", err)
	}
	txid, err := m.Explorer.BroadcastTx(txHex)
	if err != nil {
		return "", fmt.Errorf("beacon: broadcast send transaction: %w", err)
	}

	m.utxos = remaining
	m.utxos = append(m.utxos, UTXO{PrevTxid: tx.TxHash(), PrevIndex: 1, Value: refundAmount, PkScript: m.PkScript})

	log.WithFields(logrus.Fields{"txid": txid, "amount": amount, "refund": refundAmount}).Info("sent transaction")
	return txid, nil
}

// selectUTXOs walks utxos front-to-back, accumulating until need is met
// (or the queue is exhausted), returning the selected prefix, its total
// value, and the remaining unselected tail.
func selectUTXOs(utxos []UTXO, need int64) (selected []UTXO, total int64, remaining []UTXO) {
	i := 0
	for ; i < len(utxos); i++ {
		selected = append(selected, utxos[i])
		total += utxos[i].Value
		if total >= need {
			i++
			break
		}
	}
	remaining = append(remaining, utxos[i:]...)
	return selected, total, remaining
}

func scriptsEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func serializeTx(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

// signInputs dispatches to the appropriate signing scheme (P2PKH, P2WPKH
// or P2TR key-path) for each input, based on that input's previous
// output's script class.
func signInputs(tx *wire.MsgTx, utxos []UTXO, signingKey *btcec.PrivateKey) error {
	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(utxos))
	for i, u := range utxos {
		prevOuts[tx.TxIn[i].PreviousOutPoint] = wire.NewTxOut(u.Value, u.PkScript)
	}
	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	for i, u := range utxos {
		if err := signInput(tx, i, u, sigHashes, signingKey); err != nil {
			return fmt.Errorf("input %d: %w", i, err)
		}
	}
	return nil
}

func signInput(tx *wire.MsgTx, idx int, utxo UTXO, sigHashes *txscript.TxSigHashes, signingKey *btcec.PrivateKey) error {
	scriptClass := txscript.GetScriptClass(utxo.PkScript)
	switch scriptClass {
	case txscript.PubKeyHashTy:
		sigScript, err := txscript.SignatureScript(tx, idx, utxo.PkScript, txscript.SigHashAll, signingKey, true)
		if err != nil {
			return err
		}
		tx.TxIn[idx].SignatureScript = sigScript
		return nil
	case txscript.WitnessV0PubKeyHashTy:
		witness, err := txscript.WitnessSignature(tx, sigHashes, idx, utxo.Value, utxo.PkScript, txscript.SigHashAll, signingKey, true)
		if err != nil {
			return err
		}
		tx.TxIn[idx].Witness = witness
		return nil
	case txscript.WitnessV1TaprootTy:
		sig, err := txscript.RawTxInTaprootSignature(tx, sigHashes, idx, utxo.Value, utxo.PkScript, nil, txscript.SigHashDefault, signingKey)
		if err != nil {
			return err
		}
		tx.TxIn[idx].Witness = wire.TxWitness{sig}
		return nil
	default:
		return fmt.Errorf("unsupported script class %v for beacon address", scriptClass)
	}
}
