package wallet

import (
	"github.com/persy858/magictree/core"
	"github.com/persy858/magictree/crypto"
	"github.com/persy858/magictree/fhe"
)

// Wallet holds a key pair and provides transaction-building helpers for the
// game operations.
type Wallet struct {
	priv crypto.PrivateKey
	pub  crypto.PublicKey
}

// New creates a Wallet from an existing private key.
func New(priv crypto.PrivateKey) *Wallet {
	return &Wallet{priv: priv, pub: priv.Public()}
}

// Generate creates a Wallet with a freshly generated key pair.
func Generate() (*Wallet, error) {
	priv, _, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return New(priv), nil
}

// PrivKey returns the raw private key (handle with care).
func (w *Wallet) PrivKey() crypto.PrivateKey {
	return w.priv
}

// PubKey returns the hex-encoded ed25519 public key (used as "from" address).
func (w *Wallet) PubKey() string {
	return w.pub.Hex()
}

// NewTx creates a signed transaction. chainID must match the target network.
// nonce should match the account's current nonce.
func (w *Wallet) NewTx(chainID string, typ core.TxType, nonce, fee uint64, payload any) (*core.Transaction, error) {
	tx, err := core.NewTransaction(chainID, typ, w.pub.Hex(), nonce, fee, payload)
	if err != nil {
		return nil, err
	}
	tx.Sign(w.priv)
	return tx, nil
}

// MintTree creates a signed mint_tree transaction paying the given amount.
func (w *Wallet) MintTree(chainID string, payment, nonce, fee uint64) (*core.Transaction, error) {
	return w.NewTx(chainID, core.TxMintTree, nonce, fee, core.MintTreePayload{Payment: payment})
}

// Fertilize creates a signed fertilize transaction.
func (w *Wallet) Fertilize(chainID string, nonce, fee uint64) (*core.Transaction, error) {
	return w.NewTx(chainID, core.TxFertilize, nonce, fee, struct{}{})
}

// HarvestFruit creates a signed harvest_fruit transaction.
func (w *Wallet) HarvestFruit(chainID string, nonce, fee uint64) (*core.Transaction, error) {
	return w.NewTx(chainID, core.TxHarvestFruit, nonce, fee, struct{}{})
}

// RequestRedeem creates a signed redeem_request transaction from an encrypted
// input previously obtained from the gateway.
func (w *Wallet) RequestRedeem(chainID string, in *fhe.EncryptedInput, claimed uint32, nonce, fee uint64) (*core.Transaction, error) {
	return w.NewTx(chainID, core.TxRedeemRequest, nonce, fee, core.RedeemRequestPayload{
		Ciphertext:    in.Handle,
		ClaimedAmount: claimed,
		Proof:         in.Proof,
	})
}

// RequestDecryption creates a signed redeem_decrypt transaction for the
// caller's own redemption.
func (w *Wallet) RequestDecryption(chainID string, redeemID uint64, nonce, fee uint64) (*core.Transaction, error) {
	return w.NewTx(chainID, core.TxRedeemDecrypt, nonce, fee, core.RedeemDecryptPayload{RedeemID: redeemID})
}

// TransferTokens creates a signed token_transfer transaction. amount is in
// token base units, base-10.
func (w *Wallet) TransferTokens(chainID, to, amount string, nonce, fee uint64) (*core.Transaction, error) {
	return w.NewTx(chainID, core.TxTokenTransfer, nonce, fee, core.TokenTransferPayload{To: to, Amount: amount})
}
