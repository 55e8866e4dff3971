// Package client implements the player-side redemption orchestration: encrypt
// the spend, submit the request, trigger decryption with bounded retries, and
// watch for the oracle resolution.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/persy858/magictree/core"
	"github.com/persy858/magictree/fhe"
	"github.com/persy858/magictree/wallet"
)

// ErrWaitTimeout is returned when a redemption does not resolve within the
// wait budget. The on-chain request stays pending and resolvable later; only
// the local wait is abandoned.
var ErrWaitTimeout = errors.New("timed out waiting for redemption to resolve")

// Caller performs JSON-RPC calls against a node.
type Caller interface {
	Call(method string, params, result any) error
}

// HTTPCaller is the JSON-RPC 2.0 HTTP client used against the node RPC port.
type HTTPCaller struct {
	Endpoint  string
	AuthToken string
	HTTP      *http.Client
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Call posts one JSON-RPC request and decodes the result into result.
func (c *HTTPCaller) Call(method string, params, result any) error {
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AuthToken)
	}
	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return err
	}
	if envelope.Error != nil {
		return fmt.Errorf("rpc %s: %s (%d)", method, envelope.Error.Message, envelope.Error.Code)
	}
	if result != nil {
		return json.Unmarshal(envelope.Result, result)
	}
	return nil
}

// RedeemStatus is the client view of one redemption request.
type RedeemStatus struct {
	RedeemID            uint64 `json:"redeem_id"`
	Requester           string `json:"requester"`
	ClaimedAmount       uint32 `json:"claimed_amount"`
	Resolved            bool   `json:"is_resolved"`
	Succeeded           bool   `json:"succeeded"`
	FailReason          string `json:"fail_reason"`
	DecryptionRequestID uint64 `json:"decryption_request_id"`
	RevealedSpend       uint32 `json:"revealed_spend"`
	RevealedTotal       uint32 `json:"revealed_total"`
}

// Redeemer drives the full redemption flow for one wallet.
type Redeemer struct {
	caller  Caller
	wallet  *wallet.Wallet
	chainID string
	log     *logrus.Entry

	// PollInterval and MaxWait bound the resolution watch loop.
	PollInterval time.Duration
	MaxWait      time.Duration
	// DecryptRetries and RetryDelay bound redeem_decrypt submission retries.
	DecryptRetries int
	RetryDelay     time.Duration
}

// NewRedeemer creates a Redeemer with the default polling policy.
func NewRedeemer(caller Caller, w *wallet.Wallet, chainID string) *Redeemer {
	return &Redeemer{
		caller:         caller,
		wallet:         w,
		chainID:        chainID,
		log:            logrus.WithField("component", "redeemer"),
		PollInterval:   5 * time.Second,
		MaxWait:        120 * time.Second,
		DecryptRetries: 3,
		RetryDelay:     3 * time.Second,
	}
}

func (r *Redeemer) nonce() (uint64, error) {
	var acct struct {
		Nonce uint64 `json:"nonce"`
	}
	err := r.caller.Call("getBalance", map[string]string{"address": r.wallet.PubKey()}, &acct)
	return acct.Nonce, err
}

func (r *Redeemer) sendTx(tx *core.Transaction) error {
	var out struct {
		TxID string `json:"tx_id"`
	}
	return r.caller.Call("sendTx", tx, &out)
}

// Request encrypts amount through the node gateway and submits the
// redemption request, returning once the request is visible on-chain.
func (r *Redeemer) Request(ctx context.Context, amount uint32) (uint64, error) {
	var before RedeemStatus
	if err := r.caller.Call("getUserLatestRequest", map[string]string{"address": r.wallet.PubKey()}, &before); err != nil {
		return 0, err
	}

	var in fhe.EncryptedInput
	err := r.caller.Call("encryptInput",
		map[string]any{"address": r.wallet.PubKey(), "value": amount}, &in)
	if err != nil {
		return 0, fmt.Errorf("encrypt input: %w", err)
	}

	nonce, err := r.nonce()
	if err != nil {
		return 0, err
	}
	tx, err := r.wallet.RequestRedeem(r.chainID, &in, amount, nonce, 0)
	if err != nil {
		return 0, err
	}
	if err := r.sendTx(tx); err != nil {
		return 0, fmt.Errorf("submit redeem request: %w", err)
	}

	// Wait for the request to be included and the latest-pointer to move.
	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(r.PollInterval):
		}
		var latest RedeemStatus
		if err := r.caller.Call("getUserLatestRequest", map[string]string{"address": r.wallet.PubKey()}, &latest); err != nil {
			return 0, err
		}
		if latest.RedeemID != before.RedeemID && latest.RedeemID != 0 {
			r.log.WithField("redeem_id", latest.RedeemID).Info("redemption requested")
			return latest.RedeemID, nil
		}
	}
}

// RequestDecryption triggers the oracle dispatch for redeemID. It is safe to
// call repeatedly: if the request is already resolved or a decryption is
// already pending it returns without submitting anything. Transient
// submission failures are retried with a fixed delay.
func (r *Redeemer) RequestDecryption(ctx context.Context, redeemID uint64) error {
	var status RedeemStatus
	if err := r.caller.Call("getRedeemStatus", map[string]uint64{"redeem_id": redeemID}, &status); err != nil {
		return err
	}
	if status.Resolved || status.DecryptionRequestID != 0 {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt < r.DecryptRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.RetryDelay):
			}
		}
		nonce, err := r.nonce()
		if err != nil {
			lastErr = err
			continue
		}
		tx, err := r.wallet.RequestDecryption(r.chainID, redeemID, nonce, 0)
		if err != nil {
			return err
		}
		if err := r.sendTx(tx); err != nil {
			lastErr = err
			r.log.WithField("redeem_id", redeemID).Warnf("decrypt submission failed (attempt %d): %v", attempt+1, err)
			continue
		}
		return nil
	}
	return fmt.Errorf("request decryption after %d attempts: %w", r.DecryptRetries, lastErr)
}

// WaitForResolution polls the redemption status until it resolves or the
// wait budget runs out. A timeout abandons only the watch: the on-chain
// request remains pending and may still resolve afterwards.
func (r *Redeemer) WaitForResolution(ctx context.Context, redeemID uint64) (*RedeemStatus, error) {
	deadline := time.Now().Add(r.MaxWait)
	for {
		var status RedeemStatus
		if err := r.caller.Call("getRedeemStatus", map[string]uint64{"redeem_id": redeemID}, &status); err != nil {
			return nil, err
		}
		if status.Resolved {
			return &status, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrWaitTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.PollInterval):
		}
	}
}

// Redeem runs the whole flow: request, trigger decryption, await resolution.
func (r *Redeemer) Redeem(ctx context.Context, amount uint32) (*RedeemStatus, error) {
	redeemID, err := r.Request(ctx, amount)
	if err != nil {
		return nil, err
	}
	if err := r.RequestDecryption(ctx, redeemID); err != nil {
		return nil, err
	}
	return r.WaitForResolution(ctx, redeemID)
}
