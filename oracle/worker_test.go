package oracle

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/persy858/magictree/core"
	"github.com/persy858/magictree/events"
	"github.com/persy858/magictree/fhe"
	"github.com/persy858/magictree/internal/testutil"
	"github.com/persy858/magictree/vm"
	"github.com/persy858/magictree/wallet"

	_ "github.com/persy858/magictree/vm/modules/redeem"
	_ "github.com/persy858/magictree/vm/modules/tree"
)

const testChain = "magictree-test"

func TestWorkerResolvesRedemption(t *testing.T) {
	state := testutil.NewStateDB()
	emitter := events.NewEmitter()
	gateway := fhe.NewGateway(testutil.NewMemDB(), []byte("secret"), testChain)
	exec := vm.NewExecutor(state, emitter, gateway, testChain)
	mempool := core.NewMempool()

	oracleW, err := wallet.Generate()
	require.NoError(t, err)
	player, err := wallet.Generate()
	require.NoError(t, err)

	require.NoError(t, state.SetMeta(core.MetaOracle, oracleW.PubKey()))
	require.NoError(t, state.SetAccount(&core.Account{Address: oracleW.PubKey()}))
	require.NoError(t, state.SetAccount(&core.Account{Address: player.PubKey()}))

	handle, err := gateway.AddPlain("", 450)
	require.NoError(t, err)
	require.NoError(t, state.SetTree(&core.Tree{Owner: player.PubKey(), EncryptedPoints: handle}))

	worker := NewWorker(gateway, mempool, state, oracleW, testChain, 0)
	worker.Attach(emitter)
	worker.Start()
	defer worker.Stop()

	run := func(tx *core.Transaction) {
		t.Helper()
		block := core.NewBlock(1, "prev", tx.From, []*core.Transaction{tx})
		block.Header.Timestamp = time.Now().UnixNano()
		require.NoError(t, exec.ExecuteTx(block, tx))
	}

	in, err := gateway.Encrypt(300, player.PubKey())
	require.NoError(t, err)
	reqTx, err := player.RequestRedeem(testChain, in, 300, 0, 0)
	require.NoError(t, err)
	run(reqTx)

	redeemID, err := state.LatestRedeem(player.PubKey())
	require.NoError(t, err)

	decTx, err := player.RequestDecryption(testChain, redeemID, 1, 0)
	require.NoError(t, err)
	run(decTx)

	// the worker submits the callback asynchronously
	var callback *core.Transaction
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if txs := mempool.Pending(1); len(txs) > 0 {
			callback = txs[0]
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NotNil(t, callback, "no callback transaction produced")
	require.Equal(t, core.TxRedeemCallback, callback.Type)
	require.Equal(t, oracleW.PubKey(), callback.From)

	run(callback)

	rec, err := state.GetRedeem(redeemID)
	require.NoError(t, err)
	require.True(t, rec.Succeeded(), "redeem not resolved: %+v", rec)
	require.Equal(t, uint32(300), rec.RevealedSpend)
	require.Equal(t, uint32(450), rec.RevealedTotal)
}

func TestBridgeRemoteWorkerRoundTrip(t *testing.T) {
	gateway := fhe.NewGateway(testutil.NewMemDB(), []byte("shared"), testChain)
	mempool := core.NewMempool()
	emitter := events.NewEmitter()

	handle, err := gateway.AddPlain("", 123)
	require.NoError(t, err)
	reqID, err := gateway.RequestDecryption(handle)
	require.NoError(t, err)

	bridge := NewBridge("127.0.0.1:0", []byte("shared"), gateway, mempool, nil)
	bridge.Attach(emitter)
	require.NoError(t, bridge.Start())
	defer bridge.Stop()

	oracleW, err := wallet.Generate()
	require.NoError(t, err)
	worker := NewRemoteWorker(bridge.listener.Addr().String(), []byte("shared"), oracleW, testChain, 0, 0, nil)
	go worker.Run()
	defer worker.Stop()

	// give the worker a moment to connect, then emit the request
	var dispatched bool
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		bridge.mu.Lock()
		connected := len(bridge.conns) > 0
		bridge.mu.Unlock()
		if connected {
			dispatched = true
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, dispatched, "worker never connected")

	emitter.Emit(events.Event{
		Type: events.EventDecryptionRequested,
		Data: map[string]any{"request_id": reqID, "redeem_id": uint64(1)},
	})

	var callback *core.Transaction
	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if txs := mempool.Pending(1); len(txs) > 0 {
			callback = txs[0]
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NotNil(t, callback, "no callback received over the bridge")
	require.Equal(t, core.TxRedeemCallback, callback.Type)
	require.NoError(t, callback.Verify())

	var p core.RedeemCallbackPayload
	require.NoError(t, json.Unmarshal(callback.Payload, &p))
	require.Equal(t, reqID, p.RequestID)
	require.Equal(t, []uint32{123}, p.Cleartexts)
	require.True(t, gateway.VerifyDecryption(p.RequestID, p.Cleartexts, p.Proof))
}
