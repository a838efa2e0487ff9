// Package kv implements the KV primitive: the simplest of the six
// storage abstractions, a single-key put/get/getv/delete over the
// shared transaction machinery.
package kv

import (
	"time"

	"github.com/google/uuid"

	"strata/pkg/store"
	"strata/pkg/storekey"
	"strata/pkg/txn"
)

// KV is the key/value primitive facade, thin atop a transaction
// manager.
type KV struct {
	mgr *txn.Manager
}

// New wraps mgr.
func New(mgr *txn.Manager) *KV {
	return &KV{mgr: mgr}
}

// Put commits a single-key transaction writing value at key.
func (k *KV) Put(branchID uuid.UUID, key, value []byte, ttl *time.Duration) error {
	ctx, err := k.mgr.Begin(branchID, nil)
	if err != nil {
		return err
	}
	if err := ctx.Put(key, value, ttl); err != nil {
		k.mgr.Rollback(ctx)
		return err
	}
	_, err = k.mgr.Commit(ctx)
	return err
}

// Get reads the freshest non-tombstone value for key, or (nil, false)
// if absent.
func (k *KV) Get(branchID uuid.UUID, key []byte) ([]byte, bool, error) {
	ctx, err := k.mgr.Begin(branchID, nil)
	if err != nil {
		return nil, false, err
	}
	defer k.mgr.Rollback(ctx)
	return ctx.Get(key)
}

// GetV returns key's full version chain, newest first, bypassing
// snapshot isolation: it reports the live state of the chain rather
// than a point-in-time view.
func (k *KV) GetV(branchID uuid.UUID, key []byte) ([]store.StoredValue, error) {
	sk, err := storekey.New(storekey.Namespace{BranchID: branchID.String()}, storekey.KV, key)
	if err != nil {
		return nil, err
	}
	return k.mgr.Store().GetChain(sk), nil
}

// Delete appends a tombstone for key.
func (k *KV) Delete(branchID uuid.UUID, key []byte) error {
	ctx, err := k.mgr.Begin(branchID, nil)
	if err != nil {
		return err
	}
	if err := ctx.Delete(key); err != nil {
		k.mgr.Rollback(ctx)
		return err
	}
	_, err = k.mgr.Commit(ctx)
	return err
}
