package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"sync"

	"github.com/persy858/magictree/core"
	"github.com/persy858/magictree/crypto"
)

// registerPrefix records a state-key prefix into statePrefixes so that
// ComputeRoot() always covers it. All prefix constants must be declared
// via this function.
func registerPrefix(p string) string {
	statePrefixes = append(statePrefixes, p)
	return p
}

// statePrefixes is populated by registerPrefix() below.
// ComputeRoot() iterates these prefixes to build the full world-state view.
var statePrefixes []string

var (
	prefixAccount = registerPrefix("acct:")
	prefixTree    = registerPrefix("tree:")
	prefixRedeem  = registerPrefix("rdm:")
	prefixLatest  = registerPrefix("rlatest:")
	prefixRoute   = registerPrefix("route:")
	prefixToken   = registerPrefix("tok:")
	prefixMeta    = registerPrefix("meta:")
)

// Internal counter keys, stored under the meta prefix so they are part of the
// state root. The redeem sequence starts at 1 (0 is the sentinel).
const (
	keyNextRedeemID = "next_redeem_id"
	keyTotalPlayers = "total_players"
	keyTokenMinted  = "token_minted"
)

type stateSnapshot struct {
	dirty   map[string][]byte
	deleted map[string]bool
}

// StateDB implements core.State on top of a DB with in-memory write buffer,
// snapshot/rollback, and deterministic state-root computation.
//
// mu guards the write buffer: RPC handlers and the oracle worker read state
// concurrently with the consensus goroutine executing blocks.
type StateDB struct {
	mu        sync.RWMutex
	db        DB
	dirty     map[string][]byte
	deleted   map[string]bool
	snapshots []stateSnapshot
}

// NewStateDB creates a StateDB backed by db.
func NewStateDB(db DB) *StateDB {
	return &StateDB{
		db:      db,
		dirty:   make(map[string][]byte),
		deleted: make(map[string]bool),
	}
}

// ---- internal helpers ----

func (s *StateDB) get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.deleted[key] {
		return nil, core.ErrNotFound
	}
	if v, ok := s.dirty[key]; ok {
		return v, nil
	}
	return s.db.Get([]byte(key))
}

func (s *StateDB) set(key string, val []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.deleted, key)
	s.dirty[key] = val
}

func (s *StateDB) getJSON(key string, out any) error {
	data, err := s.get(key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (s *StateDB) setJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.set(key, data)
	return nil
}

func (s *StateDB) getUint(key string) (uint64, error) {
	data, err := s.get(key)
	if errors.Is(err, core.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(string(data), 10, 64)
}

func (s *StateDB) setUint(key string, n uint64) {
	s.set(key, []byte(strconv.FormatUint(n, 10)))
}

// ---- Accounts ----

func (s *StateDB) GetAccount(address string) (*core.Account, error) {
	var acc core.Account
	err := s.getJSON(prefixAccount+address, &acc)
	if errors.Is(err, core.ErrNotFound) {
		return &core.Account{Address: address}, nil // zero-value account
	}
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

func (s *StateDB) SetAccount(acc *core.Account) error {
	return s.setJSON(prefixAccount+acc.Address, acc)
}

// ---- Trees ----

func (s *StateDB) GetTree(owner string) (*core.Tree, error) {
	var t core.Tree
	if err := s.getJSON(prefixTree+owner, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *StateDB) SetTree(t *core.Tree) error {
	return s.setJSON(prefixTree+t.Owner, t)
}

// ---- Redemption request store ----

func redeemKey(id uint64) string {
	return prefixRedeem + strconv.FormatUint(id, 10)
}

func (s *StateDB) GetRedeem(id uint64) (*core.RedeemRequest, error) {
	var r core.RedeemRequest
	if err := s.getJSON(redeemKey(id), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *StateDB) SetRedeem(r *core.RedeemRequest) error {
	return s.setJSON(redeemKey(r.ID), r)
}

// NextRedeemID allocates and persists the next redemption id, starting at 1.
func (s *StateDB) NextRedeemID() (uint64, error) {
	n, err := s.getUint(prefixMeta + keyNextRedeemID)
	if err != nil {
		return 0, err
	}
	id := n + 1
	s.setUint(prefixMeta+keyNextRedeemID, id)
	return id, nil
}

func (s *StateDB) LatestRedeem(owner string) (uint64, error) {
	return s.getUint(prefixLatest + owner)
}

func (s *StateDB) SetLatestRedeem(owner string, id uint64) error {
	s.setUint(prefixLatest+owner, id)
	return nil
}

// ---- Decryption request router ----

func (s *StateDB) DecryptionRoute(requestID uint64) (uint64, error) {
	data, err := s.get(prefixRoute + strconv.FormatUint(requestID, 10))
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(string(data), 10, 64)
}

func (s *StateDB) SetDecryptionRoute(requestID, redeemID uint64) error {
	s.setUint(prefixRoute+strconv.FormatUint(requestID, 10), redeemID)
	return nil
}

// ---- Player counter ----

func (s *StateDB) TotalPlayers() (uint64, error) {
	return s.getUint(prefixMeta + keyTotalPlayers)
}

func (s *StateDB) SetTotalPlayers(n uint64) error {
	s.setUint(prefixMeta+keyTotalPlayers, n)
	return nil
}

// ---- Token ledger ----

func (s *StateDB) getBig(key string) (*big.Int, error) {
	data, err := s.get(key)
	if errors.Is(err, core.ErrNotFound) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, err
	}
	n, ok := new(big.Int).SetString(string(data), 10)
	if !ok {
		return nil, fmt.Errorf("corrupt big integer at %s", key)
	}
	return n, nil
}

func (s *StateDB) TokenBalance(address string) (*big.Int, error) {
	return s.getBig(prefixToken + address)
}

func (s *StateDB) SetTokenBalance(address string, amount *big.Int) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("negative token balance for %s", address)
	}
	s.set(prefixToken+address, []byte(amount.String()))
	return nil
}

func (s *StateDB) TokenMinted() (*big.Int, error) {
	return s.getBig(prefixMeta + keyTokenMinted)
}

func (s *StateDB) SetTokenMinted(total *big.Int) error {
	s.set(prefixMeta+keyTokenMinted, []byte(total.String()))
	return nil
}

// ---- Metadata ----

func (s *StateDB) Meta(key string) (string, error) {
	data, err := s.get(prefixMeta + key)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *StateDB) SetMeta(key, value string) error {
	s.set(prefixMeta+key, []byte(value))
	return nil
}

// ---- Snapshot / Rollback / Commit ----

// Snapshot saves the current write buffer and returns a snapshot ID.
func (s *StateDB) Snapshot() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := stateSnapshot{
		dirty:   make(map[string][]byte, len(s.dirty)),
		deleted: make(map[string]bool, len(s.deleted)),
	}
	for k, v := range s.dirty {
		cp := make([]byte, len(v))
		copy(cp, v)
		snap.dirty[k] = cp
	}
	for k, v := range s.deleted {
		snap.deleted[k] = v
	}
	s.snapshots = append(s.snapshots, snap)
	return len(s.snapshots) - 1, nil
}

// RevertToSnapshot restores the write buffer to a previously saved snapshot.
// The snapshot maps are deep-copied so that subsequent writes cannot corrupt them.
func (s *StateDB) RevertToSnapshot(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 0 || id >= len(s.snapshots) {
		return fmt.Errorf("invalid snapshot id %d", id)
	}
	snap := s.snapshots[id]

	dirty := make(map[string][]byte, len(snap.dirty))
	for k, v := range snap.dirty {
		cp := make([]byte, len(v))
		copy(cp, v)
		dirty[k] = cp
	}
	deleted := make(map[string]bool, len(snap.deleted))
	for k, v := range snap.deleted {
		deleted[k] = v
	}

	s.dirty = dirty
	s.deleted = deleted
	s.snapshots = s.snapshots[:id]
	return nil
}

// ComputeRoot returns the deterministic hash of the complete world state.
// It merges all persisted state entries (scanned from DB by the known state
// prefixes) with the current write buffer, then hashes the sorted key-value
// pairs using length-prefix encoding. It does NOT flush or modify state,
// so it is safe to call before signing a block.
func (s *StateDB) ComputeRoot() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	merged := make(map[string][]byte)
	for _, prefix := range statePrefixes {
		it := s.db.NewIterator([]byte(prefix))
		for it.Next() {
			k := string(it.Key())
			v := make([]byte, len(it.Value()))
			copy(v, it.Value())
			merged[k] = v
		}
		it.Release()
	}

	for k, v := range s.dirty {
		merged[k] = v
	}
	for k := range s.deleted {
		delete(merged, k)
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	var lenBuf [4]byte
	for _, k := range keys {
		v := merged[k]
		kb := []byte(k)
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(kb)))
		buf.Write(lenBuf[:])
		buf.Write(kb)
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(v)))
		buf.Write(lenBuf[:])
		buf.Write(v)
	}
	return crypto.Hash(buf.Bytes())
}

// Commit atomically flushes the write buffer to the underlying DB via a
// Batch and then clears it. Call ComputeRoot() before signing the block,
// then call Commit() after the block is safely stored.
func (s *StateDB) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.db.NewBatch()
	for k, v := range s.dirty {
		batch.Set([]byte(k), v)
	}
	for k := range s.deleted {
		batch.Delete([]byte(k))
	}
	if err := batch.Write(); err != nil {
		return err
	}
	s.dirty = make(map[string][]byte)
	s.deleted = make(map[string]bool)
	s.snapshots = nil
	return nil
}
