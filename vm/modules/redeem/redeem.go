// Package redeem implements the asynchronous encrypted-redemption state
// machine: a player claims a plaintext spend with a matching ciphertext, a
// decryption is dispatched to the oracle exactly once, and the oracle's
// callback reconciles the revealed values before any ledger moves.
package redeem

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/persy858/magictree/core"
	"github.com/persy858/magictree/events"
	"github.com/persy858/magictree/vm"
	"github.com/persy858/magictree/vm/modules/token"
)

// Terminal failure reasons stored on reconciliation-failed requests.
const (
	FailClaimMismatch     = "claimed amount mismatch"
	FailInsufficientFunds = "insufficient points"
)

func init() {
	vm.Register(core.TxRedeemRequest, handleRedeemRequest)
	vm.Register(core.TxRedeemDecrypt, handleRedeemDecrypt)
	vm.Register(core.TxRedeemCallback, handleRedeemCallback)
}

func handleRedeemRequest(ctx *vm.Context, payload json.RawMessage) error {
	if ctx.Gateway == nil {
		return errors.New("encrypted-compute gateway unavailable")
	}

	var p core.RedeemRequestPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode redeem_request payload: %w", err)
	}
	if p.ClaimedAmount == 0 {
		return errors.New("claimed amount must be > 0")
	}
	if p.Ciphertext == "" {
		return errors.New("ciphertext required")
	}
	if !ctx.Gateway.VerifyInput(p.Ciphertext, p.Proof, ctx.Tx.From) {
		return errors.New("input proof does not bind ciphertext to caller")
	}
	if !ctx.Gateway.Known(p.Ciphertext) {
		return errors.New("ciphertext handle unknown to gateway")
	}

	if _, err := ctx.State.GetTree(ctx.Tx.From); err != nil {
		return fmt.Errorf("no tree for %s: %w", ctx.Tx.From, err)
	}

	id, err := ctx.State.NextRedeemID()
	if err != nil {
		return err
	}
	rec := &core.RedeemRequest{
		ID:            id,
		Requester:     ctx.Tx.From,
		ClaimedAmount: p.ClaimedAmount,
		Commitment:    p.Ciphertext,
		CreatedAt:     ctx.Block.Header.Timestamp,
	}
	if err := ctx.State.SetRedeem(rec); err != nil {
		return err
	}
	// Last-write-wins convenience pointer; not a correctness mechanism.
	if err := ctx.State.SetLatestRedeem(ctx.Tx.From, id); err != nil {
		return err
	}

	if ctx.Emitter != nil {
		ctx.Emitter.Emit(events.Event{
			Type:        events.EventRedeemRequested,
			TxID:        ctx.Tx.ID,
			BlockHeight: ctx.Block.Header.Height,
			Data: map[string]any{
				"requester":      ctx.Tx.From,
				"redeem_id":      id,
				"claimed_amount": p.ClaimedAmount,
				"timestamp":      rec.CreatedAt,
			},
		})
	}
	return nil
}

// handleRedeemDecrypt performs the single created -> decryption-requested
// transition. Only the requester may trigger it, a resolved request rejects,
// and re-triggering after the request id is set is absorbed as a no-op so
// the client may retry without causing duplicate oracle callbacks.
func handleRedeemDecrypt(ctx *vm.Context, payload json.RawMessage) error {
	if ctx.Gateway == nil {
		return errors.New("encrypted-compute gateway unavailable")
	}

	var p core.RedeemDecryptPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode redeem_decrypt payload: %w", err)
	}

	rec, err := ctx.State.GetRedeem(p.RedeemID)
	if err != nil {
		return fmt.Errorf("redeem %d not found: %w", p.RedeemID, err)
	}
	if rec.Requester != ctx.Tx.From {
		return errors.New("only the requester may trigger decryption")
	}
	if rec.Resolved {
		return fmt.Errorf("redeem %d already resolved", rec.ID)
	}
	if rec.DecryptionRequestID != 0 {
		return nil // already dispatched
	}

	tree, err := ctx.State.GetTree(rec.Requester)
	if err != nil {
		return fmt.Errorf("no tree for %s: %w", rec.Requester, err)
	}

	// cleartexts[0] = spend (the stored commitment), cleartexts[1] = the
	// account's total points at dispatch time.
	reqID, err := ctx.Gateway.RequestDecryption(rec.Commitment, tree.EncryptedPoints)
	if err != nil {
		return fmt.Errorf("dispatch decryption: %w", err)
	}

	rec.DecryptionRequestID = reqID
	if err := ctx.State.SetRedeem(rec); err != nil {
		return err
	}
	if err := ctx.State.SetDecryptionRoute(reqID, rec.ID); err != nil {
		return err
	}

	if ctx.Emitter != nil {
		ctx.Emitter.Emit(events.Event{
			Type:        events.EventDecryptionRequested,
			TxID:        ctx.Tx.ID,
			BlockHeight: ctx.Block.Header.Height,
			Data: map[string]any{
				"redeem_id":  rec.ID,
				"request_id": reqID,
				"requester":  rec.Requester,
			},
		})
	}
	return nil
}

// handleRedeemCallback is the only path that resolves a request. The oracle
// identity is pinned in chain metadata at genesis; anyone else is rejected.
// Callbacks arrive in arbitrary order and are correlated purely by request id.
func handleRedeemCallback(ctx *vm.Context, payload json.RawMessage) error {
	if ctx.Gateway == nil {
		return errors.New("encrypted-compute gateway unavailable")
	}

	oracle, err := ctx.State.Meta(core.MetaOracle)
	if err != nil {
		return fmt.Errorf("oracle identity not configured: %w", err)
	}
	if ctx.Tx.From != oracle {
		return errors.New("redeem callback restricted to the oracle")
	}

	var p core.RedeemCallbackPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode redeem_callback payload: %w", err)
	}
	if len(p.Cleartexts) != 2 {
		return fmt.Errorf("expected 2 cleartexts, got %d", len(p.Cleartexts))
	}
	if !ctx.Gateway.VerifyDecryption(p.RequestID, p.Cleartexts, p.Proof) {
		return errors.New("invalid decryption proof")
	}

	redeemID, err := ctx.State.DecryptionRoute(p.RequestID)
	if err != nil {
		return fmt.Errorf("no redemption routed for request %d: %w", p.RequestID, err)
	}
	rec, err := ctx.State.GetRedeem(redeemID)
	if err != nil {
		return fmt.Errorf("redeem %d not found: %w", redeemID, err)
	}
	if rec.Resolved {
		return nil // stale or duplicate delivery, absorb
	}

	spend, total := p.Cleartexts[0], p.Cleartexts[1]
	rec.Resolved = true
	rec.RevealedSpend = spend
	rec.RevealedTotal = total
	rec.ResolvedAt = ctx.Block.Header.Timestamp

	if spend != rec.ClaimedAmount || spend > total {
		reason := FailClaimMismatch
		if spend == rec.ClaimedAmount {
			reason = FailInsufficientFunds
		}
		rec.FailReason = reason
		if err := ctx.State.SetRedeem(rec); err != nil {
			return err
		}
		if ctx.Emitter != nil {
			ctx.Emitter.Emit(events.Event{
				Type:        events.EventRedeemFailed,
				TxID:        ctx.Tx.ID,
				BlockHeight: ctx.Block.Header.Height,
				Data: map[string]any{
					"requester": rec.Requester,
					"redeem_id": rec.ID,
					"reason":    reason,
				},
			})
		}
		return nil
	}

	// Success: debit the encrypted points, then mint at the rate in force now.
	tree, err := ctx.State.GetTree(rec.Requester)
	if err != nil {
		return fmt.Errorf("no tree for %s: %w", rec.Requester, err)
	}
	newHandle, err := ctx.Gateway.SubClamped(tree.EncryptedPoints, spend)
	if err != nil {
		return fmt.Errorf("debit points: %w", err)
	}
	tree.EncryptedPoints = newHandle
	if err := ctx.State.SetTree(tree); err != nil {
		return err
	}

	players, err := ctx.State.TotalPlayers()
	if err != nil {
		return err
	}
	rate := Rate(players)
	minted, err := token.Mint(ctx.State, rec.Requester, TokensFor(spend, rate))
	if err != nil {
		return fmt.Errorf("mint tokens: %w", err)
	}

	if err := ctx.State.SetRedeem(rec); err != nil {
		return err
	}

	if ctx.Emitter != nil {
		ctx.Emitter.Emit(events.Event{
			Type:        events.EventRedeemProcessed,
			TxID:        ctx.Tx.ID,
			BlockHeight: ctx.Block.Header.Height,
			Data: map[string]any{
				"requester":      rec.Requester,
				"redeem_id":      rec.ID,
				"revealed_spend": spend,
				"tokens":         minted.String(),
				"rate":           rate,
			},
		})
	}
	return nil
}
