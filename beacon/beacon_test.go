package beacon

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/decentralized-identity/did-btcr2-go/explorer"
	"github.com/decentralized-identity/did-btcr2-go/identifier"
)

type fakeExplorer struct {
	utxos       []explorer.UTXO
	broadcasted []string
}

func (f *fakeExplorer) GetAddressUTXOs(address string) ([]explorer.UTXO, error) {
	return f.utxos, nil
}
func (f *fakeExplorer) GetAddressTransactions(address string) ([]explorer.Transaction, error) {
	return nil, nil
}
func (f *fakeExplorer) GetTransactionHex(txid string) (string, error) { return "", nil }
func (f *fakeExplorer) BroadcastTx(txHex string) (string, error) {
	f.broadcasted = append(f.broadcasted, txHex)
	return "broadcast-txid", nil
}

func testManager(t *testing.T, utxoValue int64) *Manager {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pubKeyHash := btcutil.Hash160(priv.PubKey().SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("derive address: %v", err)
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		t.Fatalf("pay to addr script: %v", err)
	}

	fake := &fakeExplorer{
		utxos: []explorer.UTXO{{Txid: strings.Repeat("11", 32), Vout: 0, Value: utxoValue, Confirmed: true}},
	}
	network, _ := identifier.Named("regtest")
	return NewManager("did:btcr2:k1example#beacon", network, addr, pkScript, priv, fake)
}

func TestConstructSignalSpendsFrontUTXOAndPushesChange(t *testing.T) {
	mgr := testManager(t, 50000)
	initialQueueLen := len(mgr.utxos)

	var commitment [32]byte
	copy(commitment[:], bytes.Repeat([]byte{0xAB}, 32))

	tx, err := mgr.ConstructSignal(context.Background(), commitment)
	if err != nil {
		t.Fatalf("construct signal: %v", err)
	}
	if len(tx.TxOut) != 2 {
		t.Fatalf("expected 2 outputs, got %d", len(tx.TxOut))
	}
	last := tx.TxOut[len(tx.TxOut)-1]
	if last.Value != 0 || last.PkScript[0] != opReturnOpcode {
		t.Fatalf("last output is not a zero-value OP_RETURN: %+v", last)
	}
	if !bytes.Equal(last.PkScript[2:], commitment[:]) {
		t.Fatalf("op_return payload mismatch")
	}

	// Front utxo consumed, one change utxo pushed to the back: queue
	// length unchanged, but it's now the change output.
	if len(mgr.utxos) != initialQueueLen {
		t.Fatalf("queue length changed: got %d want %d", len(mgr.utxos), initialQueueLen)
	}
	if mgr.utxos[0].PrevTxid != tx.TxHash() {
		t.Fatalf("expected queue front to be the new change utxo")
	}
}

func TestConstructSignalFailsWithEmptyQueue(t *testing.T) {
	mgr := testManager(t, 50000)
	mgr.utxos = nil
	var commitment [32]byte
	if _, err := mgr.ConstructSignal(context.Background(), commitment); err == nil {
		t.Fatalf("expected error constructing signal with no utxos")
	}
}

func TestSendToAddressRejectsNonPositiveAmount(t *testing.T) {
	mgr := testManager(t, 50000)
	if _, err := mgr.SendToAddress(mgr.PkScript, 0); err == nil {
		t.Fatalf("expected error for zero amount")
	}
}

func TestSendToAddressRejectsInsufficientFunds(t *testing.T) {
	mgr := testManager(t, 1000)
	if _, err := mgr.SendToAddress(mgr.PkScript, 100000); err == nil {
		t.Fatalf("expected insufficient funds error")
	}
}

func TestSendToAddressSucceedsAndPushesChange(t *testing.T) {
	mgr := testManager(t, 50000)
	txid, err := mgr.SendToAddress(mgr.PkScript, 10000)
	if err != nil {
		t.Fatalf("send to address: %v", err)
	}
	if txid != "broadcast-txid" {
		t.Fatalf("txid = %s, want broadcast-txid", txid)
	}
	if len(mgr.utxos) != 1 {
		t.Fatalf("expected exactly 1 change utxo remaining, got %d", len(mgr.utxos))
	}
	wantRefund := int64(50000 - 10000 - DefaultTxFee)
	if mgr.utxos[0].Value != wantRefund {
		t.Fatalf("refund value = %d, want %d", mgr.utxos[0].Value, wantRefund)
	}
}
