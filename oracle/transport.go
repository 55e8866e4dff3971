package oracle

import (
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/persy858/magictree/core"
	"github.com/persy858/magictree/events"
	"github.com/persy858/magictree/fhe"
	"github.com/persy858/magictree/wallet"
)

// MsgType labels a bridge message.
type MsgType string

const (
	MsgDecrypt  MsgType = "decrypt"  // node -> worker, sealed bundle
	MsgCallback MsgType = "callback" // worker -> node, signed transaction
)

// Message is the envelope for bridge communication. Messages are
// length-prefixed JSON frames over TCP, optionally under mutual TLS.
type Message struct {
	Type    MsgType         `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

const maxFrame = 4 * 1024 * 1024

func writeMsg(conn net.Conn, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := conn.Write(header[:]); err != nil {
		return err
	}
	_, err = conn.Write(data)
	return err
}

func readMsg(conn net.Conn) (Message, error) {
	var header [4]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return Message{}, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > maxFrame {
		return Message{}, fmt.Errorf("message too large: %d bytes", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return Message{}, err
	}
	var msg Message
	if err := json.Unmarshal(buf, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// decryptBundle is what the bridge ships to remote workers. Cleartexts never
// travel unencrypted: the whole bundle is sealed under the shared oracle
// secret before it leaves the node.
type decryptBundle struct {
	RequestID uint64   `json:"request_id"`
	Values    []uint32 `json:"values"`
}

// Bridge is the node-side endpoint for remote oracle workers. It reveals
// pending decryption requests through the local gateway, seals the cleartexts
// under the shared oracle secret, and fans them out to connected workers.
// Signed callback transactions coming back are fed into the mempool.
type Bridge struct {
	listenAddr string
	secret     []byte
	gateway    *fhe.Gateway
	mempool    *core.Mempool
	tlsConfig  *tls.Config // nil means plain TCP
	log        *logrus.Entry

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	listener net.Listener
	stopped  bool
}

// NewBridge creates a bridge listening on listenAddr.
func NewBridge(listenAddr string, secret []byte, gateway *fhe.Gateway, mempool *core.Mempool, tlsCfg *tls.Config) *Bridge {
	return &Bridge{
		listenAddr: listenAddr,
		secret:     secret,
		gateway:    gateway,
		mempool:    mempool,
		tlsConfig:  tlsCfg,
		log:        logrus.WithField("component", "oracle-bridge"),
		conns:      make(map[net.Conn]struct{}),
	}
}

// Attach subscribes the bridge to decryption-request events.
func (b *Bridge) Attach(emitter *events.Emitter) {
	emitter.Subscribe(events.EventDecryptionRequested, func(ev events.Event) {
		id, ok := eventUint(ev.Data, "request_id")
		if !ok {
			return
		}
		if err := b.dispatch(id); err != nil {
			b.log.WithField("request_id", id).Errorf("dispatch: %v", err)
		}
	})
}

// Start begins accepting worker connections.
func (b *Bridge) Start() error {
	var ln net.Listener
	var err error
	if b.tlsConfig != nil {
		ln, err = tls.Listen("tcp", b.listenAddr, b.tlsConfig)
	} else {
		ln, err = net.Listen("tcp", b.listenAddr)
	}
	if err != nil {
		return fmt.Errorf("listen %s: %w", b.listenAddr, err)
	}
	b.listener = ln
	go b.acceptLoop()
	b.log.Infof("listening on %s", b.listenAddr)
	return nil
}

// Stop closes the listener and all worker connections.
func (b *Bridge) Stop() {
	b.mu.Lock()
	b.stopped = true
	conns := make([]net.Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()
	if b.listener != nil {
		b.listener.Close()
	}
	for _, c := range conns {
		c.Close()
	}
}

func (b *Bridge) acceptLoop() {
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			b.mu.Lock()
			stopped := b.stopped
			b.mu.Unlock()
			if stopped {
				return
			}
			b.log.Errorf("accept: %v", err)
			continue
		}
		b.mu.Lock()
		b.conns[conn] = struct{}{}
		b.mu.Unlock()
		go b.readLoop(conn)
	}
}

func (b *Bridge) readLoop(conn net.Conn) {
	defer func() {
		b.mu.Lock()
		delete(b.conns, conn)
		b.mu.Unlock()
		conn.Close()
	}()
	for {
		msg, err := readMsg(conn)
		if err != nil {
			if err != io.EOF {
				b.log.Debugf("worker connection closed: %v", err)
			}
			return
		}
		if msg.Type != MsgCallback {
			b.log.Warnf("unexpected message type %q from worker", msg.Type)
			continue
		}
		var tx core.Transaction
		if err := json.Unmarshal(msg.Payload, &tx); err != nil {
			b.log.Errorf("decode callback tx: %v", err)
			continue
		}
		if tx.Type != core.TxRedeemCallback {
			b.log.Warnf("worker submitted non-callback tx %q", tx.Type)
			continue
		}
		if err := b.mempool.Add(&tx); err != nil {
			b.log.Errorf("mempool add callback %s: %v", tx.ID, err)
		}
	}
}

// dispatch reveals the request locally and fans the sealed bundle out to all
// connected workers.
func (b *Bridge) dispatch(requestID uint64) error {
	values, _, err := b.gateway.Reveal(requestID)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(decryptBundle{RequestID: requestID, Values: values})
	if err != nil {
		return err
	}
	sealed, err := fhe.Seal(b.secret, raw)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(map[string]string{"sealed": sealed})
	if err != nil {
		return err
	}
	msg := Message{Type: MsgDecrypt, Payload: payload}

	b.mu.Lock()
	conns := make([]net.Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()
	if len(conns) == 0 {
		return fmt.Errorf("no workers connected")
	}
	for _, c := range conns {
		if err := writeMsg(c, msg); err != nil {
			b.log.Errorf("send to worker: %v", err)
		}
	}
	return nil
}

// RemoteWorker runs outside the node, holding the oracle key and the shared
// secret but no gateway. It unseals bundles from the bridge, recomputes the
// decryption proof, and returns signed callback transactions.
type RemoteWorker struct {
	addr      string
	secret    []byte
	wallet    *wallet.Wallet
	chainID   string
	delay     time.Duration
	tlsConfig *tls.Config
	log       *logrus.Entry

	nonce uint64
	stop  chan struct{}
}

// NewRemoteWorker creates a remote worker dialing the bridge at addr.
// startNonce must match the oracle account's on-chain nonce.
func NewRemoteWorker(addr string, secret []byte, w *wallet.Wallet, chainID string, startNonce uint64, delay time.Duration, tlsCfg *tls.Config) *RemoteWorker {
	return &RemoteWorker{
		addr:      addr,
		secret:    secret,
		wallet:    w,
		chainID:   chainID,
		delay:     delay,
		tlsConfig: tlsCfg,
		log:       logrus.WithField("component", "oracle-worker"),
		nonce:     startNonce,
		stop:      make(chan struct{}),
	}
}

// Run connects to the bridge and serves decryption requests until Stop is
// called, reconnecting with a fixed backoff on connection loss.
func (w *RemoteWorker) Run() {
	for {
		select {
		case <-w.stop:
			return
		default:
		}
		if err := w.serve(); err != nil {
			w.log.Errorf("bridge connection: %v", err)
		}
		select {
		case <-w.stop:
			return
		case <-time.After(3 * time.Second):
		}
	}
}

// Stop terminates the run loop.
func (w *RemoteWorker) Stop() {
	close(w.stop)
}

func (w *RemoteWorker) serve() error {
	var conn net.Conn
	var err error
	if w.tlsConfig != nil {
		conn, err = tls.Dial("tcp", w.addr, w.tlsConfig)
	} else {
		conn, err = net.Dial("tcp", w.addr)
	}
	if err != nil {
		return err
	}
	defer conn.Close()
	w.log.Infof("connected to bridge %s", w.addr)

	go func() {
		<-w.stop
		conn.Close()
	}()

	for {
		msg, err := readMsg(conn)
		if err != nil {
			return err
		}
		if msg.Type != MsgDecrypt {
			continue
		}
		var env struct {
			Sealed string `json:"sealed"`
		}
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			w.log.Errorf("decode decrypt message: %v", err)
			continue
		}
		raw, err := fhe.Unseal(w.secret, env.Sealed)
		if err != nil {
			w.log.Errorf("unseal bundle: %v", err)
			continue
		}
		var bundle decryptBundle
		if err := json.Unmarshal(raw, &bundle); err != nil {
			w.log.Errorf("decode bundle: %v", err)
			continue
		}

		if w.delay > 0 {
			select {
			case <-w.stop:
				return nil
			case <-time.After(w.delay):
			}
		}

		proof := fhe.DecryptionProof(w.secret, bundle.RequestID, bundle.Values)
		tx, err := w.wallet.NewTx(w.chainID, core.TxRedeemCallback, w.nonce, 0, core.RedeemCallbackPayload{
			RequestID:  bundle.RequestID,
			Cleartexts: bundle.Values,
			Proof:      proof,
		})
		if err != nil {
			w.log.Errorf("build callback: %v", err)
			continue
		}
		txRaw, err := json.Marshal(tx)
		if err != nil {
			w.log.Errorf("marshal callback: %v", err)
			continue
		}
		if err := writeMsg(conn, Message{Type: MsgCallback, Payload: txRaw}); err != nil {
			return err
		}
		w.nonce++
		w.log.WithField("request_id", bundle.RequestID).Info("callback sent")
	}
}
