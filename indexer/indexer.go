// Package indexer maintains secondary indexes over chain events so clients
// can query redemption history and pending decryptions without scanning
// the full state.
package indexer

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/persy858/magictree/core"
	"github.com/persy858/magictree/events"
	"github.com/persy858/magictree/storage"
)

const (
	prefixUserRedeems  = "idx:user:redeem:"
	keyPendingDecrypts = "idx:pending:decrypt"
)

// Indexer subscribes to chain events and updates secondary lookup tables.
type Indexer struct {
	db      storage.DB
	emitter *events.Emitter
}

// New creates an Indexer backed by db and subscribes to relevant events.
func New(db storage.DB, emitter *events.Emitter) *Indexer {
	idx := &Indexer{db: db, emitter: emitter}
	emitter.Subscribe(events.EventRedeemRequested, idx.onRedeemRequested)
	emitter.Subscribe(events.EventDecryptionRequested, idx.onDecryptionRequested)
	emitter.Subscribe(events.EventRedeemProcessed, idx.onRedeemResolved)
	emitter.Subscribe(events.EventRedeemFailed, idx.onRedeemResolved)
	return idx
}

// RedeemsByUser returns all redemption ids ever requested by the given
// pubkey, in request order.
func (idx *Indexer) RedeemsByUser(user string) ([]uint64, error) {
	return idx.getList(prefixUserRedeems + user)
}

// PendingDecryptions returns the redemption ids with a dispatched but not
// yet resolved decryption.
func (idx *Indexer) PendingDecryptions() ([]uint64, error) {
	return idx.getList(keyPendingDecrypts)
}

// ---- event handlers ----

func (idx *Indexer) onRedeemRequested(ev events.Event) {
	requester, _ := ev.Data["requester"].(string)
	id, ok := eventUint(ev.Data, "redeem_id")
	if requester == "" || !ok {
		return
	}
	_ = idx.addToList(prefixUserRedeems+requester, id)
}

func (idx *Indexer) onDecryptionRequested(ev events.Event) {
	id, ok := eventUint(ev.Data, "redeem_id")
	if !ok {
		return
	}
	_ = idx.addToList(keyPendingDecrypts, id)
}

func (idx *Indexer) onRedeemResolved(ev events.Event) {
	id, ok := eventUint(ev.Data, "redeem_id")
	if !ok {
		return
	}
	_ = idx.removeFromList(keyPendingDecrypts, id)
}

func eventUint(data map[string]any, key string) (uint64, bool) {
	switch v := data[key].(type) {
	case uint64:
		return v, true
	case int64:
		return uint64(v), true
	case int:
		return uint64(v), true
	case float64:
		return uint64(v), true
	case string:
		n, err := strconv.ParseUint(v, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// ---- list helpers ----

func (idx *Indexer) getList(key string) ([]uint64, error) {
	data, err := idx.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, nil // empty list
		}
		return nil, err
	}
	var ids []uint64
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("indexer unmarshal: %w", err)
	}
	return ids, nil
}

func (idx *Indexer) addToList(key string, value uint64) error {
	ids, _ := idx.getList(key)
	for _, id := range ids {
		if id == value {
			return nil
		}
	}
	ids = append(ids, value)
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return idx.db.Set([]byte(key), data)
}

func (idx *Indexer) removeFromList(key string, value uint64) error {
	ids, _ := idx.getList(key)
	filtered := ids[:0]
	for _, id := range ids {
		if id != value {
			filtered = append(filtered, id)
		}
	}
	data, err := json.Marshal(filtered)
	if err != nil {
		return err
	}
	return idx.db.Set([]byte(key), data)
}
