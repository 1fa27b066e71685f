// Package esplora implements explorer.Client against an esplora-compatible
// REST API (https://github.com/Blockstream/esplora), the same four
// endpoints libbtcr2's EsploraClient wraps: address/utxo, address/txs,
// tx/:txid/hex and POST tx.
//
// No HTTP client library appears anywhere in the retrieved example pack —
// go-ethereum's own rpc package reaches for net/http directly rather than
// a third-party REST client — so this is one of the few components built
// on the standard library rather than an ecosystem dependency.
package esplora

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/decentralized-identity/did-btcr2-go/explorer"
)

var log = logrus.WithField("prefix", "esplora")

// Client is an HTTP explorer.Client implementation.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// New returns a Client pointed at baseURL (no trailing slash), e.g.
// "http://localhost:3000" or "https://mutinynet.com/api".
func New(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

var _ explorer.Client = (*Client)(nil)

type utxoResponse struct {
	Txid   string `json:"txid"`
	Vout   uint32 `json:"vout"`
	Value  int64  `json:"value"`
	Status struct {
		Confirmed bool `json:"confirmed"`
	} `json:"status"`
}

// GetAddressUTXOs fetches address's unspent outputs.
func (c *Client) GetAddressUTXOs(address string) ([]explorer.UTXO, error) {
	var raw []utxoResponse
	if err := c.getJSON(fmt.Sprintf("address/%s/utxo", address), &raw); err != nil {
		return nil, fmt.Errorf("esplora: get address utxos: %w", err)
	}
	utxos := make([]explorer.UTXO, len(raw))
	for i, u := range raw {
		utxos[i] = explorer.UTXO{Txid: u.Txid, Vout: u.Vout, Value: u.Value, Confirmed: u.Status.Confirmed}
	}
	log.WithFields(logrus.Fields{"address": address, "count": len(utxos)}).Debug("fetched utxos")
	return utxos, nil
}

type txResponse struct {
	Txid string `json:"txid"`
	Vin  []struct {
		Txid     string `json:"txid"`
		Vout     uint32 `json:"vout"`
		Coinbase bool   `json:"is_coinbase"`
		Prevout  struct {
			ScriptPubKeyAddress string `json:"scriptpubkey_address"`
		} `json:"prevout"`
	} `json:"vin"`
	Vout []struct {
		ScriptPubKey     string `json:"scriptpubkey"`
		ScriptPubKeyType string `json:"scriptpubkey_type"`
		ScriptPubKeyAsm  string `json:"scriptpubkey_asm"`
	} `json:"vout"`
	Status struct {
		Confirmed   bool  `json:"confirmed"`
		BlockHeight int   `json:"block_height"`
		BlockTime   int64 `json:"block_time"`
	} `json:"status"`
}

// GetAddressTransactions fetches the transactions touching address,
// extracting the last output's OP_RETURN payload (if present) per output
// into Transaction.OpReturnData.
func (c *Client) GetAddressTransactions(address string) ([]explorer.Transaction, error) {
	var raw []txResponse
	if err := c.getJSON(fmt.Sprintf("address/%s/txs", address), &raw); err != nil {
		return nil, fmt.Errorf("esplora: get address transactions: %w", err)
	}
	txs := make([]explorer.Transaction, len(raw))
	for i, t := range raw {
		tx := explorer.Transaction{
			Txid:        t.Txid,
			Confirmed:   t.Status.Confirmed,
			BlockHeight: t.Status.BlockHeight,
			BlockTime:   t.Status.BlockTime,
		}
		for _, in := range t.Vin {
			tx.Inputs = append(tx.Inputs, explorer.TxInput{
				PrevTxid: in.Txid,
				PrevVout: in.Vout,
				Address:  in.Prevout.ScriptPubKeyAddress,
				Coinbase: in.Coinbase,
			})
		}
		if n := len(t.Vout); n > 0 && t.Vout[n-1].ScriptPubKeyType == "op_return" {
			if data, err := opReturnPayload(t.Vout[n-1].ScriptPubKey); err == nil {
				tx.OpReturnData = data
			}
		}
		txs[i] = tx
	}
	return txs, nil
}

// GetTransactionHex fetches the raw transaction hex for txid.
func (c *Client) GetTransactionHex(txid string) (string, error) {
	body, err := c.get(fmt.Sprintf("tx/%s/hex", txid))
	if err != nil {
		return "", fmt.Errorf("esplora: get transaction hex: %w", err)
	}
	return string(body), nil
}

// BroadcastTx submits txHex for relay and returns the resulting txid.
func (c *Client) BroadcastTx(txHex string) (string, error) {
	resp, err := c.HTTPClient.Post(c.BaseURL+"/tx", "text/plain", bytes.NewBufferString(txHex))
	if err != nil {
		return "", fmt.Errorf("esplora: broadcast tx: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("esplora: read broadcast response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("esplora: broadcast tx failed with status %d: %s", resp.StatusCode, body)
	}
	txid := string(body)
	log.WithFields(logrus.Fields{"txid": txid}).Info("broadcast transaction")
	return txid, nil
}

func (c *Client) get(path string) ([]byte, error) {
	resp, err := c.HTTPClient.Get(c.BaseURL + "/" + path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, body)
	}
	return body, nil
}

func (c *Client) getJSON(path string, out interface{}) error {
	body, err := c.get(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

// opReturnPayload extracts the pushed data from a hex-encoded OP_RETURN
// script, assuming the common single-push form (OP_RETURN <pushdata>).
func opReturnPayload(scriptHex string) ([]byte, error) {
	raw, err := hex.DecodeString(scriptHex)
	if err != nil {
		return nil, err
	}
	if len(raw) < 2 || raw[0] != 0x6a {
		return nil, fmt.Errorf("esplora: not an OP_RETURN script")
	}
	raw = raw[1:]
	pushLen := int(raw[0])
	if pushLen > 0x4b || len(raw) < 1+pushLen {
		return nil, fmt.Errorf("esplora: unsupported OP_RETURN push encoding")
	}
	return raw[1 : 1+pushLen], nil
}
