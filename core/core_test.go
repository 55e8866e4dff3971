package core_test

import (
	"errors"
	"testing"

	"github.com/persy858/magictree/core"
	"github.com/persy858/magictree/crypto"
	"github.com/persy858/magictree/internal/testutil"
	"github.com/persy858/magictree/wallet"
)

// TestTransactionSignVerify ensures transaction signing and verification work,
// and that tampering with any signed field is caught.
func TestTransactionSignVerify(t *testing.T) {
	w, err := wallet.Generate()
	if err != nil {
		t.Fatal(err)
	}

	tx, err := w.MintTree("test-chain", 10_000_000, 0, 1)
	if err != nil {
		t.Fatalf("MintTree: %v", err)
	}
	if tx.ID == "" {
		t.Error("tx ID should be set after signing")
	}
	if tx.ID != tx.Hash() {
		t.Error("tx ID should equal the signed hash")
	}
	if err := tx.Verify(); err != nil {
		t.Errorf("Verify failed: %v", err)
	}

	tx.Fee = 999
	if err := tx.Verify(); err == nil {
		t.Error("tampered fee should fail verification")
	}

	tx.Fee = 1
	tx.ChainID = "other-chain"
	if err := tx.Verify(); err == nil {
		t.Error("tampered chain id should fail verification")
	}
}

// TestBlockHash ensures hashing a block is deterministic and signing sets it.
func TestBlockHash(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	block := core.NewBlock(1, "0000", pub.Hex(), nil)
	block.Sign(priv)

	if block.Hash == "" {
		t.Error("hash should be set after signing")
	}
	if block.ComputeHash() != block.Hash {
		t.Error("ComputeHash() does not match stored hash")
	}
	if err := block.Verify(pub); err != nil {
		t.Errorf("block signature: %v", err)
	}
}

// TestMempool verifies add/get/remove/pending operations and duplicate
// rejection.
func TestMempool(t *testing.T) {
	mp := core.NewMempool()
	w, _ := wallet.Generate()

	tx, _ := w.Fertilize("test-chain", 0, 1)
	if err := mp.Add(tx); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if mp.Size() != 1 {
		t.Errorf("size: got %d want 1", mp.Size())
	}
	if err := mp.Add(tx); err == nil {
		t.Error("adding duplicate tx should fail")
	}
	if _, ok := mp.Get(tx.ID); !ok {
		t.Error("Get should find the tx")
	}

	pending := mp.Pending(10)
	if len(pending) != 1 {
		t.Errorf("pending: got %d want 1", len(pending))
	}

	mp.Remove([]string{tx.ID})
	if mp.Size() != 0 {
		t.Error("pool should be empty after remove")
	}
}

// TestMempoolRejectsUnsigned ensures the pool refuses transactions whose
// signature does not verify.
func TestMempoolRejectsUnsigned(t *testing.T) {
	mp := core.NewMempool()
	w, _ := wallet.Generate()
	tx, _ := w.Fertilize("test-chain", 0, 1)
	tx.Nonce = 5 // invalidates the signature
	if err := mp.Add(tx); err == nil {
		t.Error("tampered tx should be rejected")
	}
}

// TestMempoolOrdering verifies Pending returns transactions in insertion
// order, which the proposer relies on for nonce sequencing.
func TestMempoolOrdering(t *testing.T) {
	mp := core.NewMempool()
	w, _ := wallet.Generate()

	var ids []string
	for n := uint64(0); n < 3; n++ {
		tx, _ := w.Fertilize("test-chain", n, 1)
		if err := mp.Add(tx); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, tx.ID)
	}
	pending := mp.Pending(10)
	if len(pending) != 3 {
		t.Fatalf("pending: got %d want 3", len(pending))
	}
	for i, tx := range pending {
		if tx.ID != ids[i] {
			t.Errorf("pending[%d]: got %s want %s", i, tx.ID, ids[i])
		}
	}
}

// TestBlockchainLinkage verifies AddBlock enforces height and prev-hash
// continuity.
func TestBlockchainLinkage(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	bc := core.NewBlockchain(testutil.NewMemBlockStore())
	if err := bc.Init(); err != nil {
		t.Fatal(err)
	}

	genesis := core.NewBlock(0, "0000000000000000000000000000000000000000000000000000000000000000", pub.Hex(), nil)
	genesis.Sign(priv)
	if err := bc.AddBlock(genesis); err != nil {
		t.Fatalf("add genesis: %v", err)
	}
	if bc.Height() != 0 {
		t.Errorf("height: got %d want 0", bc.Height())
	}

	b1 := core.NewBlock(1, genesis.Hash, pub.Hex(), nil)
	b1.Sign(priv)
	if err := bc.AddBlock(b1); err != nil {
		t.Fatalf("add block 1: %v", err)
	}
	if bc.Tip().Hash != b1.Hash {
		t.Error("tip should be block 1")
	}

	// Wrong prev hash
	bad := core.NewBlock(2, genesis.Hash, pub.Hex(), nil)
	bad.Sign(priv)
	if err := bc.AddBlock(bad); err == nil {
		t.Error("block with wrong prev hash should be rejected")
	}

	// Wrong height
	bad = core.NewBlock(5, b1.Hash, pub.Hex(), nil)
	bad.Sign(priv)
	if err := bc.AddBlock(bad); err == nil {
		t.Error("block with wrong height should be rejected")
	}

	got, err := bc.GetBlockByHeight(1)
	if err != nil {
		t.Fatal(err)
	}
	if got.Hash != b1.Hash {
		t.Error("GetBlockByHeight mismatch")
	}
	if _, err := bc.GetBlock("nope"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("missing block: want ErrNotFound, got %v", err)
	}
}
