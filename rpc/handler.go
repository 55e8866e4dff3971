package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/persy858/magictree/core"
	"github.com/persy858/magictree/fhe"
	"github.com/persy858/magictree/indexer"
	"github.com/persy858/magictree/vm/modules/redeem"
	"github.com/persy858/magictree/vm/modules/token"
	"github.com/persy858/magictree/vm/modules/tree"
)

// Handler holds all dependencies needed to serve RPC methods.
type Handler struct {
	bc      *core.Blockchain
	mempool *core.Mempool
	state   core.State
	indexer *indexer.Indexer
	gateway *fhe.Gateway
	chainID string // expected chain_id; used to reject cross-chain replay transactions
}

// NewHandler creates an RPC Handler.
func NewHandler(bc *core.Blockchain, mempool *core.Mempool, state core.State, idx *indexer.Indexer, gateway *fhe.Gateway, chainID string) *Handler {
	return &Handler{bc: bc, mempool: mempool, state: state, indexer: idx, gateway: gateway, chainID: chainID}
}

// Dispatch routes an RPC request to the correct method.
func (h *Handler) Dispatch(req Request) Response {
	switch req.Method {
	case "getBlockHeight":
		return okResponse(req.ID, h.bc.Height())
	case "getBlock":
		return h.getBlock(req)
	case "getBalance":
		return h.getBalance(req)
	case "getTreeInfo":
		return h.getTreeInfo(req)
	case "getEncryptedPoints":
		return h.getEncryptedPoints(req)
	case "encryptInput":
		return h.encryptInput(req)
	case "getRedeemStatus":
		return h.getRedeemStatus(req)
	case "getUserLatestRequest":
		return h.getUserLatestRequest(req)
	case "isDecryptionRequested":
		return h.isDecryptionRequested(req)
	case "getPendingDecryptions":
		return h.getPendingDecryptions(req)
	case "getRedeemHistory":
		return h.getRedeemHistory(req)
	case "getCurrentExchangeRate":
		return h.getCurrentExchangeRate(req)
	case "getTotalPlayers":
		return h.getTotalPlayers(req)
	case "getTokenRemainingPercentage":
		return h.getTokenRemaining(req)
	case "getTokenBalance":
		return h.getTokenBalance(req)
	case "getTreasuryBalance":
		return h.getTreasuryBalance(req)
	case "sendTx":
		return h.sendTx(req)
	case "getMempoolSize":
		return okResponse(req.ID, h.mempool.Size())
	default:
		return errResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

func (h *Handler) getBlock(req Request) Response {
	var params struct {
		Hash   string `json:"hash"`
		Height *int64 `json:"height"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
	}

	var block *core.Block
	var err error
	if params.Hash != "" {
		block, err = h.bc.GetBlock(params.Hash)
	} else if params.Height != nil {
		block, err = h.bc.GetBlockByHeight(*params.Height)
	} else {
		block = h.bc.Tip()
	}
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	if block == nil {
		return errResponse(req.ID, CodeInternalError, "no block found")
	}
	return okResponse(req.ID, block)
}

func (h *Handler) getBalance(req Request) Response {
	var params struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if params.Address == "" {
		return errResponse(req.ID, CodeInvalidParams, "address is required")
	}
	acc, err := h.state.GetAccount(params.Address)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, map[string]any{"address": params.Address, "balance": acc.Balance, "nonce": acc.Nonce})
}

// getTreeInfo returns the caller-facing view of a tree, including the derived
// cooldown and daily-limit countdowns.
func (h *Handler) getTreeInfo(req Request) Response {
	var params struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if params.Address == "" {
		return errResponse(req.ID, CodeInvalidParams, "address is required")
	}
	t, err := h.state.GetTree(params.Address)
	if errors.Is(err, core.ErrNotFound) {
		return okResponse(req.ID, map[string]any{"exists": false})
	}
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}

	now := time.Now().UnixNano()
	var cooldownRemaining int64
	if t.LastActionTime > 0 {
		if until := t.LastActionTime + tree.CooldownTime.Nanoseconds() - now; until > 0 {
			cooldownRemaining = until / int64(time.Second)
		}
	}
	dailyUsed := t.DailyFertilizeCount
	if t.LastActionTime > 0 && now-t.LastActionTime >= (24*time.Hour).Nanoseconds() {
		dailyUsed = 0
	}

	return okResponse(req.ID, map[string]any{
		"exists":                    true,
		"owner":                     t.Owner,
		"fertilize_count":           t.FertilizeCount,
		"fruits":                    t.Fruits,
		"minted_at":                 t.MintedAt,
		"cooldown_remaining":        cooldownRemaining,
		"daily_fertilize_remaining": uint64(tree.MaxDailyFertilize) - dailyUsed,
		"encrypted_points":          t.EncryptedPoints,
	})
}

func (h *Handler) getEncryptedPoints(req Request) Response {
	var params struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	t, err := h.state.GetTree(params.Address)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, map[string]string{"handle": t.EncryptedPoints})
}

// encryptInput asks the node's gateway to encrypt a value on behalf of a
// user, returning the handle and input proof to submit with requestRedeem.
func (h *Handler) encryptInput(req Request) Response {
	var params struct {
		Address string `json:"address"`
		Value   uint32 `json:"value"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if params.Address == "" {
		return errResponse(req.ID, CodeInvalidParams, "address is required")
	}
	in, err := h.gateway.Encrypt(params.Value, params.Address)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, in)
}

func (h *Handler) getRedeemStatus(req Request) Response {
	var params struct {
		RedeemID uint64 `json:"redeem_id"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	rec, err := h.state.GetRedeem(params.RedeemID)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, redeemView(rec))
}

func (h *Handler) getUserLatestRequest(req Request) Response {
	var params struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	id, err := h.state.LatestRedeem(params.Address)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	if id == 0 {
		return okResponse(req.ID, map[string]any{"redeem_id": 0})
	}
	rec, err := h.state.GetRedeem(id)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, redeemView(rec))
}

func (h *Handler) isDecryptionRequested(req Request) Response {
	var params struct {
		RedeemID uint64 `json:"redeem_id"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	rec, err := h.state.GetRedeem(params.RedeemID)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, rec.DecryptionRequestID != 0)
}

func (h *Handler) getRedeemHistory(req Request) Response {
	var params struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if params.Address == "" {
		return errResponse(req.ID, CodeInvalidParams, "address is required")
	}
	ids, err := h.indexer.RedeemsByUser(params.Address)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	out := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		rec, err := h.state.GetRedeem(id)
		if err != nil {
			continue
		}
		out = append(out, redeemView(rec))
	}
	return okResponse(req.ID, out)
}

// getPendingDecryptions lists redeem ids whose decryption is dispatched but
// not yet resolved. Oracle operators poll this to spot stuck requests.
func (h *Handler) getPendingDecryptions(req Request) Response {
	ids, err := h.indexer.PendingDecryptions()
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, ids)
}

func (h *Handler) getCurrentExchangeRate(req Request) Response {
	players, err := h.state.TotalPlayers()
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, redeem.Rate(players))
}

func (h *Handler) getTotalPlayers(req Request) Response {
	players, err := h.state.TotalPlayers()
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, players)
}

// getTokenRemaining returns the unminted share of the token supply in basis
// points (10000 = everything still mintable).
func (h *Handler) getTokenRemaining(req Request) Response {
	bps, err := token.RemainingBps(h.state)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, bps)
}

func (h *Handler) getTokenBalance(req Request) Response {
	var params struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	bal, err := h.state.TokenBalance(params.Address)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, map[string]string{"address": params.Address, "balance": bal.String()})
}

func (h *Handler) getTreasuryBalance(req Request) Response {
	acc, err := h.state.GetAccount(core.TreasuryAddress)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, acc.Balance)
}

func (h *Handler) sendTx(req Request) Response {
	var tx core.Transaction
	if err := json.Unmarshal(req.Params, &tx); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	// Reject transactions destined for a different network to prevent
	// cross-chain replay attacks.
	if tx.ChainID != h.chainID {
		return errResponse(req.ID, CodeInvalidParams,
			fmt.Sprintf("chain ID mismatch: got %q want %q", tx.ChainID, h.chainID))
	}
	// Recompute the ID server-side; do not trust the client-provided value.
	tx.ID = tx.Hash()
	if err := h.mempool.Add(&tx); err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, map[string]string{"tx_id": tx.ID})
}

func redeemView(rec *core.RedeemRequest) map[string]any {
	return map[string]any{
		"redeem_id":             rec.ID,
		"requester":             rec.Requester,
		"claimed_amount":        rec.ClaimedAmount,
		"is_resolved":           rec.Resolved,
		"succeeded":             rec.Succeeded(),
		"fail_reason":           rec.FailReason,
		"decryption_request_id": rec.DecryptionRequestID,
		"revealed_spend":        rec.RevealedSpend,
		"revealed_total":        rec.RevealedTotal,
		"created_at":            rec.CreatedAt,
		"resolved_at":           rec.ResolvedAt,
	}
}
