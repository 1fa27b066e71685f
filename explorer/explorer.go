// Package explorer defines the blockchain-explorer collaborator interface
// (spec.md §6's ExplorerClient) this method's wallet-facing components
// read UTXOs and address transactions through, and broadcast
// transactions with.
package explorer

// UTXO is one unspent output as reported by an explorer's address/utxo
// endpoint.
type UTXO struct {
	Txid      string
	Vout      uint32
	Value     int64
	Confirmed bool
}

// Block is block metadata: hash, height, timestamp and transactions.
// Neither Client nor the resolver's traversal uses it; traversal reads
// block height and time from each Transaction instead.
type Block struct {
	Hash         string
	Height       int
	Timestamp    int64
	Transactions []Transaction
}

// Transaction is the minimal transaction shape the resolver inspects: its
// inputs (to recognize a beacon's spend) and its outputs (to find the
// commitment in an OP_RETURN).
type Transaction struct {
	Txid   string
	Inputs []TxInput
	// OpReturnData is the payload of the transaction's OP_RETURN output,
	// if any was found while scanning the transaction's outputs. The
	// spec requires OP_RETURN to be the transaction's last output;
	// Client implementations should only populate this from that
	// position.
	OpReturnData []byte
	// Confirmed, BlockHeight and BlockTime mirror an esplora status
	// object: the resolver's block-by-block traversal only considers
	// confirmed transactions, ordered and filtered by BlockHeight, and
	// compares BlockTime against a requested versionTime.
	Confirmed   bool
	BlockHeight int
	BlockTime   int64
}

// TxInput is the minimal input shape the resolver inspects: which address
// it spent from, to recognize a beacon's own signal.
type TxInput struct {
	PrevTxid string
	PrevVout uint32
	Address  string
	Coinbase bool
}

// Client is the four-method collaborator interface spec.md §6 calls
// ExplorerClient. A beacon-manager's UTXO queue and a resolver's chain
// traversal are both built against this interface so either can be
// pointed at a regtest node, a public esplora instance, or a test double.
type Client interface {
	GetAddressUTXOs(address string) ([]UTXO, error)
	GetAddressTransactions(address string) ([]Transaction, error)
	GetTransactionHex(txid string) (string, error)
	BroadcastTx(txHex string) (txid string, err error)
}
