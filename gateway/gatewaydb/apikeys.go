// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

package gatewaydb

import (
	"context"
	"encoding/json"

	"github.com/boltdb/bolt"

	"setupranali.io/setupranali/gateway/auth"
)

// apikeysDB stores API keys in a bolt bucket keyed by key hash.
type apikeysDB struct {
	state *bolt.DB
}

func (db *apikeysDB) Put(ctx context.Context, key *auth.Key) error {
	data, err := json.Marshal(key)
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(db.state.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAPIKeys).Put([]byte(key.Hash), data)
	}))
}

func (db *apikeysDB) Get(ctx context.Context, hash string) (*auth.Key, error) {
	var key *auth.Key
	err := db.state.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAPIKeys).Get([]byte(hash))
		if data == nil {
			return nil
		}
		key = &auth.Key{}
		return json.Unmarshal(data, key)
	})
	return key, Error.Wrap(err)
}

func (db *apikeysDB) Delete(ctx context.Context, hash string) error {
	return Error.Wrap(db.state.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAPIKeys).Delete([]byte(hash))
	}))
}

func (db *apikeysDB) List(ctx context.Context) ([]*auth.Key, error) {
	var keys []*auth.Key
	err := db.state.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAPIKeys).ForEach(func(_, data []byte) error {
			key := &auth.Key{}
			if err := json.Unmarshal(data, key); err != nil {
				return err
			}
			keys = append(keys, key)
			return nil
		})
	})
	return keys, Error.Wrap(err)
}
