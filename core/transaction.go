package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/persy858/magictree/crypto"
)

// TxType identifies the kind of operation a transaction performs.
type TxType string

const (
	TxMintTree         TxType = "mint_tree"
	TxFertilize        TxType = "fertilize"
	TxHarvestFruit     TxType = "harvest_fruit"
	TxRedeemRequest    TxType = "redeem_request"
	TxRedeemDecrypt    TxType = "redeem_decrypt"
	TxRedeemCallback   TxType = "redeem_callback" // oracle identity only
	TxTokenTransfer    TxType = "token_transfer"
	TxTreasuryWithdraw TxType = "treasury_withdraw"
)

// Transaction is the atomic unit of work on the chain.
// From holds the sender's full hex-encoded ed25519 public key.
// Signature covers all fields except Signature itself.
type Transaction struct {
	ID        string          `json:"id"`
	ChainID   string          `json:"chain_id"`
	Type      TxType          `json:"type"`
	From      string          `json:"from"` // hex-encoded ed25519 public key
	Nonce     uint64          `json:"nonce"`
	Fee       uint64          `json:"fee"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
}

// signingBody holds the fields that are covered by the signature.
type signingBody struct {
	ChainID   string          `json:"chain_id"`
	Type      TxType          `json:"type"`
	From      string          `json:"from"`
	Nonce     uint64          `json:"nonce"`
	Fee       uint64          `json:"fee"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Hash returns a deterministic hash of the transaction (sans Signature).
// Returns an empty string if marshalling fails (which cannot happen in practice).
func (tx *Transaction) Hash() string {
	body := signingBody{
		ChainID:   tx.ChainID,
		Type:      tx.Type,
		From:      tx.From,
		Nonce:     tx.Nonce,
		Fee:       tx.Fee,
		Timestamp: tx.Timestamp,
		Payload:   tx.Payload,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return ""
	}
	return crypto.Hash(data)
}

// Sign computes the signature and sets ID.
func (tx *Transaction) Sign(priv crypto.PrivateKey) {
	hash := tx.Hash()
	tx.Signature = crypto.Sign(priv, []byte(hash))
	tx.ID = hash
}

// Verify checks the signature and that From is a valid public key.
func (tx *Transaction) Verify() error {
	if tx.From == "" {
		return errors.New("missing from field")
	}
	pub, err := crypto.PubKeyFromHex(tx.From)
	if err != nil {
		return fmt.Errorf("invalid from (must be ed25519 pubkey hex): %w", err)
	}
	return crypto.Verify(pub, []byte(tx.Hash()), tx.Signature)
}

// NewTransaction creates an unsigned transaction with the current timestamp.
func NewTransaction(chainID string, typ TxType, from string, nonce, fee uint64, payload any) (*Transaction, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Transaction{
		ChainID:   chainID,
		Type:      typ,
		From:      from,
		Nonce:     nonce,
		Fee:       fee,
		Timestamp: time.Now().UnixNano(),
		Payload:   raw,
	}, nil
}

// ---- Payload types ----

// MintTreePayload creates the caller's tree. Payment must equal MintPrice
// exactly; it is debited from the native balance and credited to the treasury.
type MintTreePayload struct {
	Payment uint64 `json:"payment"`
}

// RedeemRequestPayload registers a redemption intent: the caller claims to
// spend ClaimedAmount points and submits a matching ciphertext plus the
// gateway input proof binding it to the caller and this chain.
type RedeemRequestPayload struct {
	Ciphertext    string `json:"ciphertext"` // fhe handle
	ClaimedAmount uint32 `json:"claimed_amount"`
	Proof         string `json:"proof"`
}

// RedeemDecryptPayload triggers the single created -> decryption-requested
// transition for the caller's own request.
type RedeemDecryptPayload struct {
	RedeemID uint64 `json:"redeem_id"`
}

// RedeemCallbackPayload carries the oracle's cleartext view back on-chain:
// cleartexts[0] is the amount actually spent, cleartexts[1] the total points
// before the spend. Proof is the gateway decryption proof for RequestID.
type RedeemCallbackPayload struct {
	RequestID  uint64   `json:"request_id"`
	Cleartexts []uint32 `json:"cleartexts"`
	Proof      string   `json:"proof"`
}

// TreasuryWithdrawPayload moves native coins out of the treasury.
// Only the chain owner account may submit it.
type TreasuryWithdrawPayload struct {
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}

// TokenTransferPayload moves MagicToken between accounts.
// Amount is a base-10 big integer (18-decimal fixed point).
type TokenTransferPayload struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
}
