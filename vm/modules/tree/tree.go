// Package tree implements the tree lifecycle: minting, fertilizing on a
// cooldown, growing fruits, and harvesting them into encrypted points.
package tree

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/persy858/magictree/core"
	"github.com/persy858/magictree/crypto"
	"github.com/persy858/magictree/events"
	"github.com/persy858/magictree/vm"
)

const (
	// MintPrice is the native cost of a tree, debited to the treasury.
	MintPrice uint64 = 10_000_000

	// CooldownTime is the minimum gap between fertilizations.
	CooldownTime = 30 * time.Second

	// FertilizePerFruit grows one fruit every N successful fertilizations.
	FertilizePerFruit = 5

	// MaxDailyFertilize caps fertilizations per 24h window.
	MaxDailyFertilize = 30

	dailyWindow = 24 * time.Hour

	// Harvest yields a point amount in [MinHarvestPoints, MaxHarvestPoints].
	MinHarvestPoints = 100
	MaxHarvestPoints = 500
)

func init() {
	vm.Register(core.TxMintTree, handleMintTree)
	vm.Register(core.TxFertilize, handleFertilize)
	vm.Register(core.TxHarvestFruit, handleHarvest)
	vm.Register(core.TxTreasuryWithdraw, handleTreasuryWithdraw)
}

func handleMintTree(ctx *vm.Context, payload json.RawMessage) error {
	var p core.MintTreePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode mint_tree payload: %w", err)
	}
	if p.Payment != MintPrice {
		return fmt.Errorf("incorrect payment: need %d, got %d", MintPrice, p.Payment)
	}

	if _, err := ctx.State.GetTree(ctx.Tx.From); err == nil {
		return errors.New("tree already exists")
	} else if !errors.Is(err, core.ErrNotFound) {
		return fmt.Errorf("checking tree: %w", err)
	}

	sender, err := ctx.State.GetAccount(ctx.Tx.From)
	if err != nil {
		return err
	}
	if sender.Balance < p.Payment {
		return fmt.Errorf("insufficient balance: have %d, need %d", sender.Balance, p.Payment)
	}
	sender.Balance -= p.Payment
	if err := ctx.State.SetAccount(sender); err != nil {
		return err
	}
	treasury, err := ctx.State.GetAccount(core.TreasuryAddress)
	if err != nil {
		return err
	}
	treasury.Balance += p.Payment
	if err := ctx.State.SetAccount(treasury); err != nil {
		return err
	}

	t := &core.Tree{
		Owner:    ctx.Tx.From,
		MintedAt: ctx.Block.Header.Timestamp,
	}
	if err := ctx.State.SetTree(t); err != nil {
		return err
	}

	players, err := ctx.State.TotalPlayers()
	if err != nil {
		return err
	}
	if err := ctx.State.SetTotalPlayers(players + 1); err != nil {
		return err
	}

	if ctx.Emitter != nil {
		ctx.Emitter.Emit(events.Event{
			Type:        events.EventTreeMinted,
			TxID:        ctx.Tx.ID,
			BlockHeight: ctx.Block.Header.Height,
			Data:        map[string]any{"owner": ctx.Tx.From, "payment": p.Payment},
		})
	}
	return nil
}

func handleFertilize(ctx *vm.Context, _ json.RawMessage) error {
	t, err := ctx.State.GetTree(ctx.Tx.From)
	if err != nil {
		return fmt.Errorf("no tree for %s: %w", ctx.Tx.From, err)
	}

	now := ctx.Block.Header.Timestamp
	if t.LastActionTime > 0 && now-t.LastActionTime < CooldownTime.Nanoseconds() {
		remaining := t.LastActionTime + CooldownTime.Nanoseconds() - now
		return fmt.Errorf("cooldown active: %s remaining", time.Duration(remaining))
	}

	// The daily counter resets 24h after the last action, before the cap check.
	if t.LastActionTime > 0 && now-t.LastActionTime >= dailyWindow.Nanoseconds() {
		t.DailyFertilizeCount = 0
	}
	if t.DailyFertilizeCount >= MaxDailyFertilize {
		return fmt.Errorf("daily fertilize limit reached (%d)", MaxDailyFertilize)
	}

	t.FertilizeCount++
	t.DailyFertilizeCount++
	t.LastActionTime = now

	grewFruit := t.FertilizeCount%FertilizePerFruit == 0
	if grewFruit {
		t.Fruits++
	}
	if err := ctx.State.SetTree(t); err != nil {
		return err
	}

	if ctx.Emitter != nil {
		ctx.Emitter.Emit(events.Event{
			Type:        events.EventTreeFertilized,
			TxID:        ctx.Tx.ID,
			BlockHeight: ctx.Block.Header.Height,
			Data: map[string]any{
				"owner":           ctx.Tx.From,
				"fertilize_count": t.FertilizeCount,
				"daily_count":     t.DailyFertilizeCount,
			},
		})
		if grewFruit {
			ctx.Emitter.Emit(events.Event{
				Type:        events.EventFruitGrown,
				TxID:        ctx.Tx.ID,
				BlockHeight: ctx.Block.Header.Height,
				Data:        map[string]any{"owner": ctx.Tx.From, "fruits": t.Fruits},
			})
		}
	}
	return nil
}

func handleHarvest(ctx *vm.Context, _ json.RawMessage) error {
	if ctx.Gateway == nil {
		return errors.New("encrypted-compute gateway unavailable")
	}

	t, err := ctx.State.GetTree(ctx.Tx.From)
	if err != nil {
		return fmt.Errorf("no tree for %s: %w", ctx.Tx.From, err)
	}
	if t.Fruits == 0 {
		return errors.New("no fruits to harvest")
	}

	points := HarvestPoints(ctx.Block.Header.PrevHash, ctx.Tx.ID, ctx.Tx.From)

	// The plaintext amount never enters state or events; only the handle does.
	handle, err := ctx.Gateway.AddPlain(t.EncryptedPoints, points)
	if err != nil {
		return fmt.Errorf("accumulate points: %w", err)
	}

	t.Fruits--
	t.EncryptedPoints = handle
	if err := ctx.State.SetTree(t); err != nil {
		return err
	}

	if ctx.Emitter != nil {
		ctx.Emitter.Emit(events.Event{
			Type:        events.EventFruitHarvested,
			TxID:        ctx.Tx.ID,
			BlockHeight: ctx.Block.Header.Height,
			Data:        map[string]any{"owner": ctx.Tx.From, "points_handle": handle},
		})
		ctx.Emitter.Emit(events.Event{
			Type:        events.EventFruitDecomposed,
			TxID:        ctx.Tx.ID,
			BlockHeight: ctx.Block.Header.Height,
			Data:        map[string]any{"owner": ctx.Tx.From, "fruits": t.Fruits},
		})
	}
	return nil
}

// HarvestPoints derives the point yield for one harvest. The digest of the
// previous block hash, the transaction id, and the owner is fixed before the
// harvester can observe it, so the yield cannot be ground by re-signing.
func HarvestPoints(prevHash, txID, owner string) uint32 {
	sum := crypto.HashBytes([]byte(prevHash + txID + owner))
	n := binary.BigEndian.Uint64(sum[:8])
	span := uint64(MaxHarvestPoints - MinHarvestPoints + 1)
	return MinHarvestPoints + uint32(n%span)
}

func handleTreasuryWithdraw(ctx *vm.Context, payload json.RawMessage) error {
	owner, err := ctx.State.Meta(core.MetaOwner)
	if err != nil {
		return fmt.Errorf("chain owner not configured: %w", err)
	}
	if ctx.Tx.From != owner {
		return errors.New("treasury withdraw restricted to chain owner")
	}

	var p core.TreasuryWithdrawPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode treasury_withdraw payload: %w", err)
	}
	if p.To == "" {
		return errors.New("withdraw to address required")
	}
	if p.Amount == 0 {
		return errors.New("withdraw amount must be > 0")
	}

	treasury, err := ctx.State.GetAccount(core.TreasuryAddress)
	if err != nil {
		return err
	}
	if treasury.Balance < p.Amount {
		return fmt.Errorf("treasury balance %d below withdraw %d", treasury.Balance, p.Amount)
	}
	treasury.Balance -= p.Amount
	if err := ctx.State.SetAccount(treasury); err != nil {
		return err
	}
	recv, err := ctx.State.GetAccount(p.To)
	if err != nil {
		return err
	}
	recv.Balance += p.Amount
	if err := ctx.State.SetAccount(recv); err != nil {
		return err
	}

	if ctx.Emitter != nil {
		ctx.Emitter.Emit(events.Event{
			Type:        events.EventTreasuryWithdraw,
			TxID:        ctx.Tx.ID,
			BlockHeight: ctx.Block.Header.Height,
			Data:        map[string]any{"to": p.To, "amount": p.Amount},
		})
	}
	return nil
}
