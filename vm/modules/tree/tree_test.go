package tree

import (
	"testing"
	"time"

	"github.com/persy858/magictree/core"
	"github.com/persy858/magictree/events"
	"github.com/persy858/magictree/fhe"
	"github.com/persy858/magictree/internal/testutil"
	"github.com/persy858/magictree/vm"
	"github.com/persy858/magictree/wallet"
)

const testChain = "magictree-test"

func newEnv(t *testing.T) (core.State, *vm.Executor, *fhe.Gateway) {
	t.Helper()
	state := testutil.NewStateDB()
	emitter := events.NewEmitter()
	gateway := fhe.NewGateway(testutil.NewMemDB(), []byte("secret"), testChain)
	exec := vm.NewExecutor(state, emitter, gateway, testChain)
	return state, exec, gateway
}

// execAt executes tx inside a block stamped with the given time.
func execAt(t *testing.T, exec *vm.Executor, ts int64, tx *core.Transaction) error {
	t.Helper()
	block := core.NewBlock(1, "prev", tx.From, []*core.Transaction{tx})
	block.Header.Timestamp = ts
	return exec.ExecuteTx(block, tx)
}

func TestMintTree(t *testing.T) {
	state, exec, _ := newEnv(t)
	player, _ := wallet.Generate()
	_ = state.SetAccount(&core.Account{Address: player.PubKey(), Balance: 2 * MintPrice})

	now := time.Now().UnixNano()

	tx, _ := player.MintTree(testChain, MintPrice, 0, 0)
	if err := execAt(t, exec, now, tx); err != nil {
		t.Fatalf("mint: %v", err)
	}

	acc, _ := state.GetAccount(player.PubKey())
	if acc.Balance != MintPrice {
		t.Errorf("player balance: got %d want %d", acc.Balance, MintPrice)
	}
	treasury, _ := state.GetAccount(core.TreasuryAddress)
	if treasury.Balance != MintPrice {
		t.Errorf("treasury balance: got %d want %d", treasury.Balance, MintPrice)
	}
	tr, err := state.GetTree(player.PubKey())
	if err != nil {
		t.Fatalf("tree not stored: %v", err)
	}
	if tr.Fruits != 0 || tr.FertilizeCount != 0 {
		t.Errorf("fresh tree not zeroed: %+v", tr)
	}
	players, _ := state.TotalPlayers()
	if players != 1 {
		t.Errorf("total players: got %d want 1", players)
	}

	// second mint for the same account is rejected
	dup, _ := player.MintTree(testChain, MintPrice, 1, 0)
	if err := execAt(t, exec, now, dup); err == nil {
		t.Fatal("duplicate mint succeeded")
	}
}

func TestMintTreeWrongPayment(t *testing.T) {
	state, exec, _ := newEnv(t)
	player, _ := wallet.Generate()
	_ = state.SetAccount(&core.Account{Address: player.PubKey(), Balance: 2 * MintPrice})

	tx, _ := player.MintTree(testChain, MintPrice-1, 0, 0)
	if err := execAt(t, exec, time.Now().UnixNano(), tx); err == nil {
		t.Fatal("underpayment accepted")
	}

	poor, _ := wallet.Generate()
	_ = state.SetAccount(&core.Account{Address: poor.PubKey(), Balance: MintPrice - 1})
	tx2, _ := poor.MintTree(testChain, MintPrice, 0, 0)
	if err := execAt(t, exec, time.Now().UnixNano(), tx2); err == nil {
		t.Fatal("mint without funds accepted")
	}
}

func TestFertilizeCooldown(t *testing.T) {
	state, exec, _ := newEnv(t)
	player, _ := wallet.Generate()
	_ = state.SetAccount(&core.Account{Address: player.PubKey(), Balance: MintPrice})

	base := time.Now().UnixNano()
	mint, _ := player.MintTree(testChain, MintPrice, 0, 0)
	if err := execAt(t, exec, base, mint); err != nil {
		t.Fatalf("mint: %v", err)
	}

	// a fresh tree can be fertilized immediately
	f1, _ := player.Fertilize(testChain, 1, 0)
	if err := execAt(t, exec, base, f1); err != nil {
		t.Fatalf("first fertilize: %v", err)
	}

	// within the cooldown window the second attempt is rejected
	f2, _ := player.Fertilize(testChain, 2, 0)
	if err := execAt(t, exec, base+10*time.Second.Nanoseconds(), f2); err == nil {
		t.Fatal("fertilize inside cooldown accepted")
	}

	// after the cooldown it goes through (nonce unchanged after the revert)
	if err := execAt(t, exec, base+31*time.Second.Nanoseconds(), f2); err != nil {
		t.Fatalf("fertilize after cooldown: %v", err)
	}

	tr, _ := state.GetTree(player.PubKey())
	if tr.FertilizeCount != 2 {
		t.Errorf("fertilize count: got %d want 2", tr.FertilizeCount)
	}
}

func TestFertilizeDailyLimit(t *testing.T) {
	state, exec, _ := newEnv(t)
	player, _ := wallet.Generate()
	_ = state.SetAccount(&core.Account{Address: player.PubKey(), Balance: 0})

	base := time.Now().UnixNano()
	_ = state.SetTree(&core.Tree{
		Owner:               player.PubKey(),
		FertilizeCount:      40,
		DailyFertilizeCount: MaxDailyFertilize,
		LastActionTime:      base - time.Minute.Nanoseconds(),
		MintedAt:            base - 2*24*time.Hour.Nanoseconds(),
	})

	tx, _ := player.Fertilize(testChain, 0, 0)
	if err := execAt(t, exec, base, tx); err == nil {
		t.Fatal("fertilize past daily limit accepted")
	}

	// 24h after the last action the counter resets and fertilizing resumes
	if err := execAt(t, exec, base+25*time.Hour.Nanoseconds(), tx); err != nil {
		t.Fatalf("fertilize after daily reset: %v", err)
	}
	tr, _ := state.GetTree(player.PubKey())
	if tr.DailyFertilizeCount != 1 {
		t.Errorf("daily count after reset: got %d want 1", tr.DailyFertilizeCount)
	}
}

func TestFruitGrowth(t *testing.T) {
	state, exec, _ := newEnv(t)
	player, _ := wallet.Generate()
	_ = state.SetAccount(&core.Account{Address: player.PubKey(), Balance: MintPrice})

	base := time.Now().UnixNano()
	mint, _ := player.MintTree(testChain, MintPrice, 0, 0)
	if err := execAt(t, exec, base, mint); err != nil {
		t.Fatalf("mint: %v", err)
	}

	for i := 0; i < FertilizePerFruit; i++ {
		tx, _ := player.Fertilize(testChain, uint64(1+i), 0)
		ts := base + int64(1+i)*31*time.Second.Nanoseconds()
		if err := execAt(t, exec, ts, tx); err != nil {
			t.Fatalf("fertilize %d: %v", i, err)
		}
	}

	tr, _ := state.GetTree(player.PubKey())
	if tr.Fruits != 1 {
		t.Errorf("fruits after %d fertilizes: got %d want 1", FertilizePerFruit, tr.Fruits)
	}
}

func TestHarvest(t *testing.T) {
	state, exec, gateway := newEnv(t)
	player, _ := wallet.Generate()
	_ = state.SetAccount(&core.Account{Address: player.PubKey(), Balance: 0})
	_ = state.SetTree(&core.Tree{Owner: player.PubKey(), Fruits: 2})

	tx, _ := player.HarvestFruit(testChain, 0, 0)
	if err := execAt(t, exec, time.Now().UnixNano(), tx); err != nil {
		t.Fatalf("harvest: %v", err)
	}

	tr, _ := state.GetTree(player.PubKey())
	if tr.Fruits != 1 {
		t.Errorf("fruits after harvest: got %d want 1", tr.Fruits)
	}
	if tr.EncryptedPoints == "" {
		t.Fatal("encrypted points handle not set")
	}

	// the accumulated amount stays within the harvest bounds
	id, err := gateway.RequestDecryption(tr.EncryptedPoints)
	if err != nil {
		t.Fatalf("request decryption: %v", err)
	}
	values, _, err := gateway.Reveal(id)
	if err != nil {
		t.Fatalf("reveal: %v", err)
	}
	if values[0] < MinHarvestPoints || values[0] > MaxHarvestPoints {
		t.Errorf("harvested points %d outside [%d,%d]", values[0], MinHarvestPoints, MaxHarvestPoints)
	}
}

func TestHarvestWithoutFruit(t *testing.T) {
	state, exec, _ := newEnv(t)
	player, _ := wallet.Generate()
	_ = state.SetAccount(&core.Account{Address: player.PubKey(), Balance: 0})
	_ = state.SetTree(&core.Tree{Owner: player.PubKey()})

	tx, _ := player.HarvestFruit(testChain, 0, 0)
	if err := execAt(t, exec, time.Now().UnixNano(), tx); err == nil {
		t.Fatal("harvest with zero fruits accepted")
	}
}

func TestHarvestPointsBounds(t *testing.T) {
	inputs := []string{"a", "b", "c", "block1tx1owner1", "block2tx2owner2"}
	for _, in := range inputs {
		p := HarvestPoints(in, in+"tx", in+"owner")
		if p < MinHarvestPoints || p > MaxHarvestPoints {
			t.Errorf("HarvestPoints(%q) = %d outside [%d,%d]", in, p, MinHarvestPoints, MaxHarvestPoints)
		}
	}
	// deterministic for identical inputs
	if HarvestPoints("h", "t", "o") != HarvestPoints("h", "t", "o") {
		t.Error("HarvestPoints not deterministic")
	}
}

func TestTreasuryWithdraw(t *testing.T) {
	state, exec, _ := newEnv(t)
	owner, _ := wallet.Generate()
	outsider, _ := wallet.Generate()
	recipient, _ := wallet.Generate()

	_ = state.SetMeta(core.MetaOwner, owner.PubKey())
	_ = state.SetAccount(&core.Account{Address: core.TreasuryAddress, Balance: 1000})
	_ = state.SetAccount(&core.Account{Address: owner.PubKey()})
	_ = state.SetAccount(&core.Account{Address: outsider.PubKey()})

	now := time.Now().UnixNano()

	bad, _ := outsider.NewTx(testChain, core.TxTreasuryWithdraw, 0, 0,
		core.TreasuryWithdrawPayload{To: recipient.PubKey(), Amount: 100})
	if err := execAt(t, exec, now, bad); err == nil {
		t.Fatal("non-owner withdraw accepted")
	}

	tx, _ := owner.NewTx(testChain, core.TxTreasuryWithdraw, 0, 0,
		core.TreasuryWithdrawPayload{To: recipient.PubKey(), Amount: 400})
	if err := execAt(t, exec, now, tx); err != nil {
		t.Fatalf("owner withdraw: %v", err)
	}

	treasury, _ := state.GetAccount(core.TreasuryAddress)
	if treasury.Balance != 600 {
		t.Errorf("treasury balance: got %d want 600", treasury.Balance)
	}
	recv, _ := state.GetAccount(recipient.PubKey())
	if recv.Balance != 400 {
		t.Errorf("recipient balance: got %d want 400", recv.Balance)
	}

	over, _ := owner.NewTx(testChain, core.TxTreasuryWithdraw, 1, 0,
		core.TreasuryWithdrawPayload{To: recipient.PubKey(), Amount: 10_000})
	if err := execAt(t, exec, now, over); err == nil {
		t.Fatal("overdraw accepted")
	}
}
