// Package token keeps the ledger of the fungible reward token minted by
// redemptions. Amounts are 18-decimal fixed point and routinely exceed
// uint64 range, so the ledger works in math/big.
package token

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/persy858/magictree/core"
	"github.com/persy858/magictree/events"
	"github.com/persy858/magictree/vm"
)

// MaxSupply is 100 million whole tokens at 18 decimals.
var MaxSupply = new(big.Int).Mul(big.NewInt(100_000_000), Scale)

// Scale converts whole tokens to base units.
var Scale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

func init() {
	vm.Register(core.TxTokenTransfer, handleTokenTransfer)
}

// Mint credits up to amount base units to the recipient, capped at the
// remaining supply. It returns the amount actually minted, which is zero
// once the supply is exhausted.
func Mint(state core.State, to string, amount *big.Int) (*big.Int, error) {
	if amount.Sign() <= 0 {
		return new(big.Int), nil
	}
	minted, err := state.TokenMinted()
	if err != nil {
		return nil, err
	}
	remaining := new(big.Int).Sub(MaxSupply, minted)
	if remaining.Sign() <= 0 {
		return new(big.Int), nil
	}
	grant := new(big.Int).Set(amount)
	if grant.Cmp(remaining) > 0 {
		grant.Set(remaining)
	}

	bal, err := state.TokenBalance(to)
	if err != nil {
		return nil, err
	}
	if err := state.SetTokenBalance(to, new(big.Int).Add(bal, grant)); err != nil {
		return nil, err
	}
	if err := state.SetTokenMinted(new(big.Int).Add(minted, grant)); err != nil {
		return nil, err
	}
	return grant, nil
}

// RemainingBps returns the unminted share of the supply in basis points.
func RemainingBps(state core.State) (uint64, error) {
	minted, err := state.TokenMinted()
	if err != nil {
		return 0, err
	}
	remaining := new(big.Int).Sub(MaxSupply, minted)
	if remaining.Sign() <= 0 {
		return 0, nil
	}
	bps := new(big.Int).Mul(remaining, big.NewInt(10_000))
	bps.Quo(bps, MaxSupply)
	return bps.Uint64(), nil
}

func handleTokenTransfer(ctx *vm.Context, payload json.RawMessage) error {
	var p core.TokenTransferPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode token_transfer payload: %w", err)
	}
	if p.To == "" {
		return errors.New("transfer to address required")
	}
	amount, ok := new(big.Int).SetString(p.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		return fmt.Errorf("invalid transfer amount %q", p.Amount)
	}

	bal, err := ctx.State.TokenBalance(ctx.Tx.From)
	if err != nil {
		return err
	}
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("insufficient token balance: have %s, need %s", bal, amount)
	}
	if err := ctx.State.SetTokenBalance(ctx.Tx.From, new(big.Int).Sub(bal, amount)); err != nil {
		return err
	}

	recv, err := ctx.State.TokenBalance(p.To)
	if err != nil {
		return err
	}
	if err := ctx.State.SetTokenBalance(p.To, new(big.Int).Add(recv, amount)); err != nil {
		return err
	}

	if ctx.Emitter != nil {
		ctx.Emitter.Emit(events.Event{
			Type:        events.EventTokenTransfer,
			TxID:        ctx.Tx.ID,
			BlockHeight: ctx.Block.Header.Height,
			Data: map[string]any{
				"from":   ctx.Tx.From,
				"to":     p.To,
				"amount": amount.String(),
			},
		})
	}
	return nil
}
