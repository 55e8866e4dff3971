// Package oracle runs the decryption oracle that resolves redemptions: it
// watches for decryption requests, reveals the cleartexts through the
// gateway, and submits signed callback transactions. The worker can run
// embedded in the node or remotely over the bridge transport.
package oracle

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/persy858/magictree/core"
	"github.com/persy858/magictree/events"
	"github.com/persy858/magictree/fhe"
	"github.com/persy858/magictree/wallet"
)

// Worker is the embedded oracle: it lives in the node process and talks to
// the gateway directly. Requests are processed sequentially so callback
// nonces stay in submission order.
type Worker struct {
	gateway *fhe.Gateway
	mempool *core.Mempool
	state   core.State
	wallet  *wallet.Wallet
	chainID string
	delay   time.Duration
	log     *logrus.Entry

	requests chan uint64
	stop     chan struct{}
	done     chan struct{}
}

// NewWorker creates an embedded oracle worker. delay simulates the
// out-of-band decryption latency; zero means immediate.
func NewWorker(gateway *fhe.Gateway, mempool *core.Mempool, state core.State, w *wallet.Wallet, chainID string, delay time.Duration) *Worker {
	return &Worker{
		gateway:  gateway,
		mempool:  mempool,
		state:    state,
		wallet:   w,
		chainID:  chainID,
		delay:    delay,
		log:      logrus.WithField("component", "oracle"),
		requests: make(chan uint64, 256),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Attach subscribes the worker to decryption-request events.
func (w *Worker) Attach(emitter *events.Emitter) {
	emitter.Subscribe(events.EventDecryptionRequested, func(ev events.Event) {
		id, ok := eventUint(ev.Data, "request_id")
		if !ok {
			w.log.Warnf("decryption event without request id: %v", ev.Data)
			return
		}
		select {
		case w.requests <- id:
		default:
			w.log.Errorf("request queue full, dropping decryption request %d", id)
		}
	})
}

// Start launches the processing loop.
func (w *Worker) Start() {
	go w.run()
}

// Stop shuts the worker down and waits for the loop to exit.
func (w *Worker) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Worker) run() {
	defer close(w.done)

	acc, err := w.state.GetAccount(w.wallet.PubKey())
	if err != nil {
		w.log.Errorf("load oracle account: %v", err)
		return
	}
	nonce := acc.Nonce

	for {
		select {
		case <-w.stop:
			return
		case id := <-w.requests:
			if w.delay > 0 {
				select {
				case <-w.stop:
					return
				case <-time.After(w.delay):
				}
			}
			if err := w.resolve(id, nonce); err != nil {
				w.log.WithField("request_id", id).Errorf("resolve: %v", err)
				continue
			}
			nonce++
		}
	}
}

func (w *Worker) resolve(requestID, nonce uint64) error {
	values, proof, err := w.gateway.Reveal(requestID)
	if err != nil {
		return err
	}
	tx, err := w.wallet.NewTx(w.chainID, core.TxRedeemCallback, nonce, 0, core.RedeemCallbackPayload{
		RequestID:  requestID,
		Cleartexts: values,
		Proof:      proof,
	})
	if err != nil {
		return err
	}
	if err := w.mempool.Add(tx); err != nil {
		return err
	}
	w.log.WithFields(logrus.Fields{"request_id": requestID, "tx": tx.ID}).Info("callback submitted")
	return nil
}

// eventUint pulls a numeric field out of event data regardless of whether it
// crossed a JSON boundary.
func eventUint(data map[string]any, key string) (uint64, bool) {
	switch v := data[key].(type) {
	case uint64:
		return v, true
	case int64:
		return uint64(v), true
	case int:
		return uint64(v), true
	case float64:
		return uint64(v), true
	default:
		return 0, false
	}
}
