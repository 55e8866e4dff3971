package fhe

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/persy858/magictree/internal/testutil"
)

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	return NewGateway(testutil.NewMemDB(), []byte("test-oracle-secret"), "magictree-test")
}

func TestEncryptRoundTrip(t *testing.T) {
	g := newTestGateway(t)

	in, err := g.Encrypt(250, "alice")
	require.NoError(t, err)
	require.NotEmpty(t, in.Handle)
	require.True(t, g.Known(in.Handle))
	require.True(t, g.VerifyInput(in.Handle, in.Proof, "alice"))

	// proof is bound to the submitting user
	require.False(t, g.VerifyInput(in.Handle, in.Proof, "bob"))
}

func TestEncryptDistinctHandles(t *testing.T) {
	g := newTestGateway(t)

	a, err := g.Encrypt(100, "alice")
	require.NoError(t, err)
	b, err := g.Encrypt(100, "alice")
	require.NoError(t, err)
	require.NotEqual(t, a.Handle, b.Handle)
}

func TestAddPlain(t *testing.T) {
	g := newTestGateway(t)

	// empty handle is the encrypted zero
	h1, err := g.AddPlain("", 300)
	require.NoError(t, err)
	h2, err := g.AddPlain(h1, 150)
	require.NoError(t, err)

	id, err := g.RequestDecryption(h2)
	require.NoError(t, err)
	values, proof, err := g.Reveal(id)
	require.NoError(t, err)
	require.Equal(t, []uint32{450}, values)
	require.True(t, g.VerifyDecryption(id, values, proof))
}

func TestAddPlainDeterministic(t *testing.T) {
	g := newTestGateway(t)

	h1, err := g.AddPlain("", 300)
	require.NoError(t, err)
	h2, err := g.AddPlain("", 300)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestSubClamped(t *testing.T) {
	g := newTestGateway(t)

	h, err := g.AddPlain("", 200)
	require.NoError(t, err)

	sub, err := g.SubClamped(h, 80)
	require.NoError(t, err)
	id, err := g.RequestDecryption(sub)
	require.NoError(t, err)
	values, _, err := g.Reveal(id)
	require.NoError(t, err)
	require.Equal(t, []uint32{120}, values)

	// subtracting more than the balance clamps at zero
	drained, err := g.SubClamped(h, 500)
	require.NoError(t, err)
	id, err = g.RequestDecryption(drained)
	require.NoError(t, err)
	values, _, err = g.Reveal(id)
	require.NoError(t, err)
	require.Equal(t, []uint32{0}, values)
}

func TestUnknownHandle(t *testing.T) {
	g := newTestGateway(t)

	_, err := g.AddPlain("deadbeef", 1)
	require.ErrorIs(t, err, ErrUnknownHandle)
	_, err = g.RequestDecryption("deadbeef")
	require.ErrorIs(t, err, ErrUnknownHandle)
}

func TestRequestSequence(t *testing.T) {
	g := newTestGateway(t)

	h, err := g.AddPlain("", 1)
	require.NoError(t, err)

	id1, err := g.RequestDecryption(h)
	require.NoError(t, err)
	id2, err := g.RequestDecryption(h)
	require.NoError(t, err)
	require.Equal(t, uint64(1), id1)
	require.Equal(t, uint64(2), id2)

	_, _, err = g.Reveal(99)
	require.ErrorIs(t, err, ErrUnknownRequest)
}

func TestDecryptionProofTamper(t *testing.T) {
	g := newTestGateway(t)

	h, err := g.AddPlain("", 42)
	require.NoError(t, err)
	id, err := g.RequestDecryption(h)
	require.NoError(t, err)
	values, proof, err := g.Reveal(id)
	require.NoError(t, err)

	require.False(t, g.VerifyDecryption(id, []uint32{values[0] + 1}, proof))
	require.False(t, g.VerifyDecryption(id+1, values, proof))

	other := NewGateway(testutil.NewMemDB(), []byte("other-secret"), "magictree-test")
	require.False(t, other.VerifyDecryption(id, values, proof))
}

func TestSealUnseal(t *testing.T) {
	secret := []byte("shared")
	sealed, err := Seal(secret, []byte(`{"requestId":7}`))
	require.NoError(t, err)

	out, err := Unseal(secret, sealed)
	require.NoError(t, err)
	require.Equal(t, `{"requestId":7}`, string(out))

	_, err = Unseal([]byte("wrong"), sealed)
	require.Error(t, err)
}
