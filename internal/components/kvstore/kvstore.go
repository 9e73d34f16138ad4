// Package kvstore is the keyed blob persistence plugins use for their history
// lists and small scalar flags. Values are stored as JSON.
package kvstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"signin-bots/internal/components/assert"
	"signin-bots/internal/components/chrono"
	"signin-bots/internal/components/db"
)

// Store reads and writes values for any plugin.
type Store struct {
	qry    *db.Queries
	makeTx db.MakeTx
	time   chrono.TimeAPI
}

func NewStore(database *sql.DB, time chrono.TimeAPI) Store {
	assert.NotNil(database, "database")
	assert.NotNil(time, "time")
	return Store{
		qry:    db.New(database),
		makeTx: db.NewMakeTx(database),
		time:   time,
	}
}

func get(ctx context.Context, qry *db.Queries, plugin, key string, out any) (bool, error) {
	raw, err := qry.GetPluginData(ctx, db.GetPluginDataParams{
		Plugin: plugin,
		Key:    key,
	})
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s/%s: %w", plugin, key, err)
	}
	err = json.Unmarshal([]byte(raw), out)
	if err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", plugin, key, err)
	}
	return true, nil
}

func (s Store) set(ctx context.Context, qry *db.Queries, plugin, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", plugin, key, err)
	}
	err = qry.SetPluginData(ctx, db.SetPluginDataParams{
		Plugin:    plugin,
		Key:       key,
		Value:     string(raw),
		UpdatedAt: s.time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("save %s/%s: %w", plugin, key, err)
	}
	return nil
}

// Get decodes the value stored under (plugin, key) into out, found is false
// when nothing is stored.
func (s Store) Get(ctx context.Context, plugin, key string, out any) (found bool, err error) {
	return get(ctx, s.qry, plugin, key, out)
}

// Save replaces the value stored under (plugin, key).
func (s Store) Save(ctx context.Context, plugin, key string, value any) error {
	return s.set(ctx, s.qry, plugin, key, value)
}

func (s Store) Delete(ctx context.Context, plugin, key string) error {
	err := s.qry.DeletePluginData(ctx, db.DeletePluginDataParams{
		Plugin: plugin,
		Key:    key,
	})
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", plugin, key, err)
	}
	return nil
}

// Update reads (plugin, key) into a fresh value, hands it to fn and saves what
// fn returns, all inside one transaction.
func Update[T any](ctx context.Context, s Store, plugin, key string, fn func(current T, found bool) (T, error)) error {
	tx, discard, commit, err := s.makeTx(ctx)
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", plugin, key, err)
	}
	defer discard()

	var current T
	found, err := get(ctx, tx, plugin, key, &current)
	if err != nil {
		return err
	}
	next, err := fn(current, found)
	if err != nil {
		return err
	}
	err = s.set(ctx, tx, plugin, key, next)
	if err != nil {
		return err
	}
	return commit()
}

// Namespace is a Store bound to one plugin.
type Namespace struct {
	store  Store
	plugin string
}

func (s Store) Namespace(plugin string) Namespace {
	assert.NotEmptyStr(plugin, "plugin")
	return Namespace{store: s, plugin: plugin}
}

func (n Namespace) Plugin() string {
	return n.plugin
}

func (n Namespace) Get(ctx context.Context, key string, out any) (bool, error) {
	return n.store.Get(ctx, n.plugin, key, out)
}

func (n Namespace) Save(ctx context.Context, key string, value any) error {
	return n.store.Save(ctx, n.plugin, key, value)
}

func (n Namespace) Delete(ctx context.Context, key string) error {
	return n.store.Delete(ctx, n.plugin, key)
}

// UpdateIn is Update on a Namespace.
func UpdateIn[T any](ctx context.Context, n Namespace, key string, fn func(current T, found bool) (T, error)) error {
	return Update(ctx, n.store, n.plugin, key, fn)
}

// Value reads key into a T, returning the zero value when nothing is stored.
func Value[T any](ctx context.Context, n Namespace, key string) (T, error) {
	var out T
	_, err := n.Get(ctx, key, &out)
	return out, err
}
