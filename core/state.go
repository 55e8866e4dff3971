package core

import "math/big"

// Account holds a participant's native balance and replay-protection nonce.
// Address is the hex-encoded ed25519 public key, except for the reserved
// TreasuryAddress below.
type Account struct {
	Address string `json:"address"` // pubkey hex
	Balance uint64 `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}

// TreasuryAddress is the reserved pseudo-account that collects tree mint
// payments. It never signs transactions; only the treasury_withdraw handler
// moves funds out of it.
const TreasuryAddress = "treasury"

// Tree is a player's magic tree. One tree per account, created once by
// mint_tree and never destroyed.
//
// EncryptedPoints is an opaque ciphertext handle maintained by the FHE
// gateway; it is empty until the first harvest. The chain never sees the
// plaintext point balance.
type Tree struct {
	Owner               string `json:"owner"` // pubkey hex
	FertilizeCount      uint64 `json:"fertilize_count"`
	DailyFertilizeCount uint64 `json:"daily_fertilize_count"`
	LastActionTime      int64  `json:"last_action_time"` // block time, ns
	Fruits              uint64 `json:"fruits"`
	EncryptedPoints     string `json:"encrypted_points"` // fhe handle
	MintedAt            int64  `json:"minted_at"`
}

// RedeemRequest is one redemption attempt. Lifecycle:
//
//	created -> decryption-requested -> resolved(success|failed)
//
// DecryptionRequestID stays 0 until the gateway dispatch happens, is then set
// exactly once and never changes; this is the idempotency guard against
// duplicate oracle requests. Resolved flips to true only inside the oracle
// callback handler and never flips back.
type RedeemRequest struct {
	ID                  uint64 `json:"id"`
	Requester           string `json:"requester"` // pubkey hex, immutable
	ClaimedAmount       uint32 `json:"claimed_amount"`
	Commitment          string `json:"commitment"` // fhe handle submitted with the claim
	Resolved            bool   `json:"resolved"`
	DecryptionRequestID uint64 `json:"decryption_request_id"`
	RevealedSpend       uint32 `json:"revealed_spend"`
	RevealedTotal       uint32 `json:"revealed_total"`
	FailReason          string `json:"fail_reason,omitempty"`
	CreatedAt           int64  `json:"created_at"`
	ResolvedAt          int64  `json:"resolved_at"`
}

// Succeeded reports whether the request resolved successfully.
func (r *RedeemRequest) Succeeded() bool {
	return r.Resolved && r.FailReason == ""
}

// Metadata keys written at genesis and read by handlers.
const (
	MetaOwner  = "owner"  // treasury owner pubkey hex
	MetaOracle = "oracle" // decryption oracle pubkey hex
)

// State is the full chain state interface. Implementations must be
// snapshot-able so the executor can roll back failed transactions.
type State interface {
	// Native accounts
	GetAccount(address string) (*Account, error)
	SetAccount(account *Account) error

	// Trees
	GetTree(owner string) (*Tree, error)
	SetTree(t *Tree) error

	// Redemption request store
	GetRedeem(id uint64) (*RedeemRequest, error)
	SetRedeem(r *RedeemRequest) error
	// NextRedeemID allocates the next request id. The sequence starts at 1;
	// 0 is the reserved "no request" sentinel.
	NextRedeemID() (uint64, error)
	// LatestRedeem returns the caller's most recent request id (0 if none).
	// Last-write-wins convenience pointer, not a correctness mechanism.
	LatestRedeem(owner string) (uint64, error)
	SetLatestRedeem(owner string, id uint64) error

	// Decryption request router: oracle request id -> redeem id.
	// Entries are never removed; a callback may be arbitrarily delayed.
	DecryptionRoute(requestID uint64) (uint64, error)
	SetDecryptionRoute(requestID, redeemID uint64) error

	// Global player counter feeding the exchange-rate tiers.
	TotalPlayers() (uint64, error)
	SetTotalPlayers(n uint64) error

	// MagicToken ledger
	TokenBalance(address string) (*big.Int, error)
	SetTokenBalance(address string, amount *big.Int) error
	TokenMinted() (*big.Int, error)
	SetTokenMinted(total *big.Int) error

	// Chain metadata (owner, oracle identity), written at genesis.
	Meta(key string) (string, error)
	SetMeta(key, value string) error

	// Snapshot / rollback / commit
	Snapshot() (int, error)
	RevertToSnapshot(id int) error
	// ComputeRoot returns the deterministic state root from the current write
	// buffer without flushing. Call this before signing a block.
	ComputeRoot() string
	// Commit flushes the write buffer to the underlying DB and clears it.
	Commit() error
}
