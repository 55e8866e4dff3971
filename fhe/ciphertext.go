package fhe

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
)

// Handle is the public reference to an encrypted value. It is the hex-encoded
// MiMC digest that the gateway handed out when the value was created. The
// empty handle refers to the encrypted zero.
type Handle = string

// EncryptedInput is what a client submits on-chain: an opaque handle plus an
// input proof binding the handle to the submitting user and the chain.
type EncryptedInput struct {
	Handle Handle `json:"handle"`
	Proof  string `json:"proof"`
}

// mimcSum hashes the given parts with MiMC over the BN254 scalar field.
// Each part is first reduced to a canonical field element via sha256 so that
// arbitrary byte strings are always valid MiMC input blocks.
func mimcSum(parts ...[]byte) []byte {
	h := mimc.NewMiMC()
	for _, p := range parts {
		d := sha256.Sum256(p)
		var e fr.Element
		e.SetBytes(d[:])
		b := e.Bytes()
		h.Write(b[:])
	}
	return h.Sum(nil)
}

func u64Bytes(n uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n)
	return b[:]
}

func u32Bytes(n uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], n)
	return b[:]
}

// DecryptionProof computes the attestation an oracle attaches to a decryption
// result. Anyone holding the oracle secret can recompute it, so the redeem
// callback handler verifies results without trusting the transport.
func DecryptionProof(secret []byte, requestID uint64, values []uint32) string {
	parts := [][]byte{[]byte("mt/decrypt"), secret, u64Bytes(requestID)}
	for _, v := range values {
		parts = append(parts, u32Bytes(v))
	}
	return hex.EncodeToString(mimcSum(parts...))
}

func inputProof(secret []byte, handle Handle, user, domain string) string {
	return hex.EncodeToString(mimcSum(
		[]byte("mt/input"), secret, []byte(handle), []byte(user), []byte(domain),
	))
}
