package config

import (
	"path/filepath"
	"testing"

	"github.com/persy858/magictree/core"
	"github.com/persy858/magictree/internal/testutil"
	"github.com/persy858/magictree/wallet"
)

func TestLoadSaveRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NodeID = "alpha"
	cfg.Genesis.ChainID = "magictree-test"
	cfg.Genesis.Alloc = map[string]uint64{"aabb": 500}

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.NodeID != "alpha" || got.Genesis.ChainID != "magictree-test" {
		t.Errorf("round trip: %+v", got)
	}
	if got.Genesis.Alloc["aabb"] != 500 {
		t.Errorf("alloc lost: %+v", got.Genesis.Alloc)
	}
	// Unset fields fall back to defaults.
	if got.RPCPort != DefaultConfig().RPCPort {
		t.Errorf("rpc port default: got %d", got.RPCPort)
	}
}

// TestCreateGenesisBlock verifies block 0 credits the alloc and pins the
// owner and oracle identities in state metadata.
func TestCreateGenesisBlock(t *testing.T) {
	w, err := wallet.Generate()
	if err != nil {
		t.Fatal(err)
	}
	state := testutil.NewStateDB()

	cfg := DefaultConfig()
	cfg.Genesis.ChainID = "magictree-test"
	cfg.Genesis.Owner = w.PubKey()
	cfg.Genesis.Alloc = map[string]uint64{w.PubKey(): 20_000_000}
	cfg.Oracle.PubKey = w.PubKey()

	block, err := CreateGenesisBlock(cfg, state, w.PrivKey())
	if err != nil {
		t.Fatalf("CreateGenesisBlock: %v", err)
	}
	if block.Header.Height != 0 {
		t.Errorf("height: got %d want 0", block.Header.Height)
	}
	if !IsGenesisHash(block.Header.PrevHash) {
		t.Errorf("prev hash not genesis: %s", block.Header.PrevHash)
	}
	if block.Header.StateRoot == "" {
		t.Error("state root missing")
	}
	if err := block.Verify(w.PrivKey().Public()); err != nil {
		t.Errorf("signature: %v", err)
	}

	acc, err := state.GetAccount(w.PubKey())
	if err != nil {
		t.Fatal(err)
	}
	if acc.Balance != 20_000_000 {
		t.Errorf("alloc balance: got %d", acc.Balance)
	}
	oracle, err := state.Meta(core.MetaOracle)
	if err != nil {
		t.Fatal(err)
	}
	if oracle != w.PubKey() {
		t.Error("oracle identity not pinned")
	}
}

func TestCreateGenesisBlockRequiresIdentities(t *testing.T) {
	w, _ := wallet.Generate()
	cfg := DefaultConfig()
	cfg.Genesis.Owner = ""
	cfg.Oracle.PubKey = w.PubKey()
	if _, err := CreateGenesisBlock(cfg, testutil.NewStateDB(), w.PrivKey()); err == nil {
		t.Error("missing owner should fail")
	}

	cfg = DefaultConfig()
	cfg.Genesis.Owner = w.PubKey()
	cfg.Oracle.PubKey = ""
	if _, err := CreateGenesisBlock(cfg, testutil.NewStateDB(), w.PrivKey()); err == nil {
		t.Error("missing oracle pubkey should fail")
	}
}
