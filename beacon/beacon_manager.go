package beacon

import (
	"bytes"
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"go.opencensus.io/trace"

	"github.com/decentralized-identity/did-btcr2-go/explorer"
	"github.com/decentralized-identity/did-btcr2-go/identifier"
)

// opReturnOpcode is Bitcoin's OP_RETURN opcode (libbtcr2 constants.py
// OP_RETURN = 0x6a).
const opReturnOpcode = 0x6a

// Manager owns a SingletonBeacon's UTXO queue and constructs the
// beacon-signal transactions that commit a secured update payload,
// per spec.md §4.4 and libbtcr2's BeaconManager.
type Manager struct {
	*AddressManager
	ServiceID string
}

// NewManager constructs a Manager over address, wrapping a fresh
// AddressManager.
func NewManager(serviceID string, network identifier.Network, address btcutil.Address, pkScript []byte, signingKey *btcec.PrivateKey, explorerClient explorer.Client) *Manager {
	return &Manager{
		AddressManager: NewAddressManager(network, address, pkScript, signingKey, explorerClient),
		ServiceID:      serviceID,
	}
}

// ConstructSignal builds (and immediately signs) a beacon-signal
// transaction committing to commitment: one input from the front of the
// UTXO queue, a refund output back to this beacon's own address, and an
// OP_RETURN output (value 0, commitment as its sole pushdata) as the
// transaction's last output — the position spec.md §4.4 requires so a
// resolver scanning for commitments never has to guess which output it
// is. The new refund output is pushed onto the UTXO queue immediately
// (optimistic reuse), before the caller has broadcast anything, matching
// construct_beacon_signal's eager self.utxo_tx_ins.append.
func (m *Manager) ConstructSignal(ctx context.Context, commitment [32]byte) (*wire.MsgTx, error) {
	_, span := trace.StartSpan(ctx, "beacon.ConstructSignal")
	defer span.End()

	if len(m.utxos) == 0 {
		return nil, fmt.Errorf("beacon: no utxos, fund beacon address %s", m.Address.EncodeAddress())
	}

	utxo := m.utxos[0]
	m.utxos = m.utxos[1:]

	refundAmount := utxo.Value - m.TxFee
	if refundAmount < 0 {
		return nil, fmt.Errorf("beacon: utxo value %d is less than tx fee %d", utxo.Value, m.TxFee)
	}

	opReturnScript, err := commitmentScript(commitment)
	if err != nil {
		return nil, fmt.Errorf("beacon: build op_return script: %w", err)
	}

	tx := wire.NewMsgTx(1)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Hash: utxo.PrevTxid, Index: utxo.PrevIndex}})
	tx.AddTxOut(wire.NewTxOut(refundAmount, m.PkScript))
	tx.AddTxOut(wire.NewTxOut(0, opReturnScript))

	if err := signInputs(tx, []UTXO{utxo}, m.SigningKey); err != nil {
		return nil, fmt.Errorf("beacon: sign beacon signal: %w", err)
	}

	m.utxos = append(m.utxos, UTXO{PrevTxid: tx.TxHash(), PrevIndex: 0, Value: refundAmount, PkScript: m.PkScript})

	log.WithFields(map[string]interface{}{"beaconService": m.ServiceID, "txid": tx.TxHash().String()}).
		Info("constructed beacon signal")
	return tx, nil
}

// Broadcast serializes and submits tx via this beacon's explorer client,
// returning the resulting txid.
func (m *Manager) Broadcast(tx *wire.MsgTx) (string, error) {
	txHex, err := serializeTx(tx)
	if err != nil {
		return "", fmt.Errorf("beacon: serialize signal: %w", err)
	}
	txid, err := m.Explorer.BroadcastTx(txHex)
	if err != nil {
		return "", fmt.Errorf("beacon: broadcast signal: %w", err)
	}
	return txid, nil
}

// commitmentScript builds "OP_RETURN <32-byte commitment>".
func commitmentScript(commitment [32]byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(opReturnOpcode)
	buf.WriteByte(byte(len(commitment)))
	buf.Write(commitment[:])
	return buf.Bytes(), nil
}
