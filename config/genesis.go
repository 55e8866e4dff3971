package config

import (
	"errors"
	"strings"

	"github.com/persy858/magictree/core"
	"github.com/persy858/magictree/crypto"
)

// GenesisHash is a canonical all-zeros previous hash for the genesis block.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// CreateGenesisBlock builds and signs block #0 from the genesis config.
// It credits the alloc accounts, pins the chain owner and oracle identities
// in state metadata, and commits.
func CreateGenesisBlock(cfg *Config, state core.State, proposerPriv crypto.PrivateKey) (*core.Block, error) {
	if cfg.Genesis.Owner == "" {
		return nil, errors.New("genesis owner pubkey required")
	}
	if cfg.Oracle.PubKey == "" {
		return nil, errors.New("oracle pubkey required")
	}

	for pubkeyHex, balance := range cfg.Genesis.Alloc {
		acc := &core.Account{
			Address: pubkeyHex,
			Balance: balance,
		}
		if err := state.SetAccount(acc); err != nil {
			return nil, err
		}
	}
	if err := state.SetMeta(core.MetaOwner, cfg.Genesis.Owner); err != nil {
		return nil, err
	}
	if err := state.SetMeta(core.MetaOracle, cfg.Oracle.PubKey); err != nil {
		return nil, err
	}

	stateRoot := state.ComputeRoot()
	if err := state.Commit(); err != nil {
		return nil, err
	}

	block := core.NewBlock(0, GenesisHash, proposerPriv.Public().Hex(), nil)
	block.Header.StateRoot = stateRoot
	// TxRoot doubles as the chain identifier for block 0.
	block.Header.TxRoot = crypto.Hash([]byte(cfg.Genesis.ChainID))
	block.Sign(proposerPriv)
	return block, nil
}

// IsGenesisHash returns true if the hash is the canonical genesis prev-hash.
func IsGenesisHash(h string) bool {
	return strings.Count(h, "0") == len(h) && len(h) == 64
}
