package fhe

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"

	"github.com/persy858/magictree/core"
	"github.com/persy858/magictree/storage"
)

// Key layout inside the node DB. The plaintext store is node-local and never
// enters the world state, only handles do.
const (
	keyPlainPrefix   = "fhe:pt:"
	keyRequestPrefix = "fhe:req:"
	keyRequestSeq    = "fhe:reqseq"
)

var (
	// ErrUnknownHandle is returned when a handle has no backing plaintext
	// in this node's store.
	ErrUnknownHandle = errors.New("fhe: unknown ciphertext handle")

	// ErrUnknownRequest is returned when a decryption request id was never
	// issued by this gateway.
	ErrUnknownRequest = errors.New("fhe: unknown decryption request")
)

// Gateway simulates the encrypted-compute coprocessor. Handles are opaque
// digests; the plaintexts behind them live only in the node's local store.
// Operations on handles are deterministic so that every validator derives
// the same handle for the same chain of operations.
type Gateway struct {
	mu     sync.Mutex
	db     storage.DB
	secret []byte
	domain string
}

// NewGateway creates a gateway bound to a chain domain. All nodes of one
// chain must share the same oracle secret for proofs to verify.
func NewGateway(db storage.DB, secret []byte, domain string) *Gateway {
	return &Gateway{db: db, secret: secret, domain: domain}
}

// Domain returns the chain domain the gateway is bound to.
func (g *Gateway) Domain() string { return g.domain }

// ---- handle store ----

func (g *Gateway) loadValue(h Handle) (uint32, error) {
	if h == "" {
		return 0, nil
	}
	data, err := g.db.Get([]byte(keyPlainPrefix + h))
	if errors.Is(err, core.ErrNotFound) {
		return 0, ErrUnknownHandle
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(string(data), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("fhe: corrupt plaintext for %s: %w", h, err)
	}
	return uint32(n), nil
}

func (g *Gateway) storeValue(h Handle, v uint32) error {
	return g.db.Set([]byte(keyPlainPrefix+h), []byte(strconv.FormatUint(uint64(v), 10)))
}

// Encrypt creates a fresh ciphertext for value on behalf of user and returns
// the handle together with an input proof bound to the user and the chain.
// A random salt makes every encryption produce a distinct handle.
func (g *Gateway) Encrypt(value uint32, user string) (*EncryptedInput, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	h := hex.EncodeToString(mimcSum([]byte("mt/enc"), salt, u32Bytes(value), []byte(user)))
	if err := g.storeValue(h, value); err != nil {
		return nil, err
	}
	return &EncryptedInput{
		Handle: h,
		Proof:  inputProof(g.secret, h, user, g.domain),
	}, nil
}

// VerifyInput checks that an input proof binds handle to user on this chain.
func (g *Gateway) VerifyInput(handle Handle, proof, user string) bool {
	want := inputProof(g.secret, handle, user, g.domain)
	return subtle.ConstantTimeCompare([]byte(want), []byte(proof)) == 1
}

// Known reports whether the gateway holds a plaintext for handle.
func (g *Gateway) Known(handle Handle) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, err := g.loadValue(handle)
	return err == nil
}

// AddPlain homomorphically adds a plaintext delta to the ciphertext behind
// handle and returns the handle of the result. Addition saturates at the
// uint32 maximum. The result handle is derived deterministically from the
// operands so every node computes the same one.
func (g *Gateway) AddPlain(handle Handle, delta uint32) (Handle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	cur, err := g.loadValue(handle)
	if err != nil {
		return "", err
	}
	sum := uint64(cur) + uint64(delta)
	if sum > math.MaxUint32 {
		sum = math.MaxUint32
	}

	out := hex.EncodeToString(mimcSum([]byte("mt/add"), []byte(handle), u32Bytes(delta)))
	if err := g.storeValue(out, uint32(sum)); err != nil {
		return "", err
	}
	return out, nil
}

// SubClamped homomorphically subtracts a plaintext amount from the ciphertext
// behind handle, clamping at zero, and returns the handle of the result.
func (g *Gateway) SubClamped(handle Handle, amount uint32) (Handle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	cur, err := g.loadValue(handle)
	if err != nil {
		return "", err
	}
	var res uint32
	if cur > amount {
		res = cur - amount
	}

	out := hex.EncodeToString(mimcSum([]byte("mt/sub"), []byte(handle), u32Bytes(amount)))
	if err := g.storeValue(out, res); err != nil {
		return "", err
	}
	return out, nil
}

// ---- decryption requests ----

// RequestDecryption registers the given handles for asynchronous decryption
// and returns the request id. Ids are a persisted sequence starting at 1 so
// that replays across restarts keep identical ids.
func (g *Gateway) RequestDecryption(handles ...Handle) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, h := range handles {
		if _, err := g.loadValue(h); err != nil {
			return 0, err
		}
	}

	var seq uint64
	data, err := g.db.Get([]byte(keyRequestSeq))
	switch {
	case errors.Is(err, core.ErrNotFound):
	case err != nil:
		return 0, err
	default:
		seq, err = strconv.ParseUint(string(data), 10, 64)
		if err != nil {
			return 0, err
		}
	}
	seq++

	enc, err := json.Marshal(handles)
	if err != nil {
		return 0, err
	}
	if err := g.db.Set([]byte(keyRequestPrefix+strconv.FormatUint(seq, 10)), enc); err != nil {
		return 0, err
	}
	if err := g.db.Set([]byte(keyRequestSeq), []byte(strconv.FormatUint(seq, 10))); err != nil {
		return 0, err
	}
	return seq, nil
}

// Reveal decrypts the handles behind a pending request and returns the
// cleartext values with an attestation proof.
func (g *Gateway) Reveal(requestID uint64) ([]uint32, string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	data, err := g.db.Get([]byte(keyRequestPrefix + strconv.FormatUint(requestID, 10)))
	if errors.Is(err, core.ErrNotFound) {
		return nil, "", ErrUnknownRequest
	}
	if err != nil {
		return nil, "", err
	}
	var handles []Handle
	if err := json.Unmarshal(data, &handles); err != nil {
		return nil, "", err
	}

	values := make([]uint32, len(handles))
	for i, h := range handles {
		v, err := g.loadValue(h)
		if err != nil {
			return nil, "", err
		}
		values[i] = v
	}
	return values, DecryptionProof(g.secret, requestID, values), nil
}

// VerifyDecryption checks an oracle attestation over decrypted values.
func (g *Gateway) VerifyDecryption(requestID uint64, values []uint32, proof string) bool {
	want := DecryptionProof(g.secret, requestID, values)
	return subtle.ConstantTimeCompare([]byte(want), []byte(proof)) == 1
}

// ---- sealed transport ----

func sealKey(secret []byte) []byte {
	k := sha256.Sum256(append([]byte("mt/seal:"), secret...))
	return k[:]
}

// Seal encrypts a payload under the shared oracle secret with AES-GCM.
// Used to ship decryption bundles to a remote oracle over the wire.
func Seal(secret, plaintext []byte) (string, error) {
	block, err := aes.NewCipher(sealKey(secret))
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out := gcm.Seal(nonce, nonce, plaintext, nil)
	return hex.EncodeToString(out), nil
}

// Unseal reverses Seal.
func Unseal(secret []byte, sealed string) ([]byte, error) {
	raw, err := hex.DecodeString(sealed)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(sealKey(secret))
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(raw) < gcm.NonceSize() {
		return nil, errors.New("fhe: sealed payload too short")
	}
	nonce, ct := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ct, nil)
}
