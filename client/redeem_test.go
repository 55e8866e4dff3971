package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/persy858/magictree/wallet"
)

// fakeCaller scripts RPC responses for the redeemer without a node.
type fakeCaller struct {
	mu        sync.Mutex
	status    RedeemStatus
	nonce     uint64
	sendErrs  []error // popped per sendTx; nil entry means success
	sendCalls int
}

func (f *fakeCaller) setStatus(s RedeemStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = s
}

func (f *fakeCaller) Call(method string, params, result any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch method {
	case "getRedeemStatus":
		return assign(result, f.status)
	case "getUserLatestRequest":
		return assign(result, f.status)
	case "getBalance":
		return assign(result, map[string]any{"nonce": f.nonce})
	case "sendTx":
		f.sendCalls++
		if len(f.sendErrs) > 0 {
			err := f.sendErrs[0]
			f.sendErrs = f.sendErrs[1:]
			if err != nil {
				return err
			}
		}
		return assign(result, map[string]string{"tx_id": "abc"})
	default:
		return errors.New("unexpected method " + method)
	}
}

func assign(dst, src any) error {
	raw, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

func newTestRedeemer(t *testing.T, f *fakeCaller) *Redeemer {
	t.Helper()
	w, err := wallet.Generate()
	require.NoError(t, err)
	r := NewRedeemer(f, w, "magictree-test")
	r.PollInterval = time.Millisecond
	r.MaxWait = 50 * time.Millisecond
	r.RetryDelay = time.Millisecond
	return r
}

func TestRequestDecryptionSkipsResolved(t *testing.T) {
	f := &fakeCaller{status: RedeemStatus{RedeemID: 1, Resolved: true}}
	r := newTestRedeemer(t, f)

	require.NoError(t, r.RequestDecryption(context.Background(), 1))
	require.Zero(t, f.sendCalls, "submitted a decrypt for a resolved request")
}

func TestRequestDecryptionSkipsAlreadyDispatched(t *testing.T) {
	f := &fakeCaller{status: RedeemStatus{RedeemID: 1, DecryptionRequestID: 7}}
	r := newTestRedeemer(t, f)

	require.NoError(t, r.RequestDecryption(context.Background(), 1))
	require.Zero(t, f.sendCalls, "submitted a duplicate decrypt")
}

func TestRequestDecryptionRetries(t *testing.T) {
	f := &fakeCaller{
		status:   RedeemStatus{RedeemID: 1},
		sendErrs: []error{errors.New("transient"), errors.New("transient"), nil},
	}
	r := newTestRedeemer(t, f)

	require.NoError(t, r.RequestDecryption(context.Background(), 1))
	require.Equal(t, 3, f.sendCalls)
}

func TestRequestDecryptionGivesUp(t *testing.T) {
	f := &fakeCaller{
		status:   RedeemStatus{RedeemID: 1},
		sendErrs: []error{errors.New("down"), errors.New("down"), errors.New("down")},
	}
	r := newTestRedeemer(t, f)

	err := r.RequestDecryption(context.Background(), 1)
	require.Error(t, err)
	require.Equal(t, 3, f.sendCalls)
}

func TestWaitForResolution(t *testing.T) {
	f := &fakeCaller{status: RedeemStatus{RedeemID: 1}}
	r := newTestRedeemer(t, f)

	// resolve in the background while the watcher polls
	go func() {
		time.Sleep(10 * time.Millisecond)
		f.setStatus(RedeemStatus{RedeemID: 1, Resolved: true, Succeeded: true, RevealedSpend: 300})
	}()

	status, err := r.WaitForResolution(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, status.Succeeded)
	require.Equal(t, uint32(300), status.RevealedSpend)
}

func TestWaitForResolutionTimeout(t *testing.T) {
	f := &fakeCaller{status: RedeemStatus{RedeemID: 1}}
	r := newTestRedeemer(t, f)

	_, err := r.WaitForResolution(context.Background(), 1)
	require.ErrorIs(t, err, ErrWaitTimeout)
}
