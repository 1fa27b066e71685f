package beacon

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/wire"

	"github.com/decentralized-identity/did-btcr2-go/errs"
)

// DefaultFundingAmountSatoshis is the amount FundFromFaucet sends,
// matching libbtcr2 constants.py's DEFAULT_FUNDING_AMOUNT (0.2 BTC).
const DefaultFundingAmountSatoshis int64 = 20_000_000

// RegtestFaucet is the minimal regtest node RPC surface FundFromFaucet
// needs: send funds to an address, then fetch the resulting transaction
// so it can be folded into a manager's UTXO queue. It is intentionally
// narrower than a general Bitcoin RPC client — regtest-only funding is a
// test convenience (SPEC_FULL.md §3), not a collaborator this method
// specifies for production use.
type RegtestFaucet interface {
	SendToAddress(address string, amountSatoshis int64) (txid string, err error)
	GetRawTransactionHex(txid string) (string, error)
}

// FundFromFaucet sends amountSatoshis to m's address via faucet and adds
// the resulting transaction's matching output to m's UTXO queue. It
// refuses to run against anything but regtest, mirroring
// helpers.py's "Only designed for regtest" comment on
// fund_regtest_beacon_address with an enforced check rather than just a
// docstring.
func FundFromFaucet(m *AddressManager, faucet RegtestFaucet, amountSatoshis int64) error {
	if m.Network.IsCustom() || m.Network.String() != "regtest" {
		return fmt.Errorf("%w: faucet funding is only available on regtest", errs.ErrUnsupportedNetwork)
	}
	if amountSatoshis <= 0 {
		amountSatoshis = DefaultFundingAmountSatoshis
	}

	txid, err := faucet.SendToAddress(m.Address.EncodeAddress(), amountSatoshis)
	if err != nil {
		return fmt.Errorf("beacon: faucet send: %w", err)
	}
	rawHex, err := faucet.GetRawTransactionHex(txid)
	if err != nil {
		return fmt.Errorf("beacon: faucet get raw transaction: %w", err)
	}
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return fmt.Errorf("beacon: decode faucet transaction hex: %w", err)
	}

	tx := wire.NewMsgTx(1)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("beacon: parse faucet transaction: %w", err)
	}
	m.AddFundingTx(tx)
	log.WithFields(map[string]interface{}{"address": m.Address.EncodeAddress(), "txid": txid}).
		Info("funded address from regtest faucet")
	return nil
}
