// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

package gatewaydb

import (
	"context"
	"encoding/json"
	"time"

	"github.com/boltdb/bolt"

	"setupranali.io/setupranali/gateway/dialect"
	"setupranali.io/setupranali/gateway/source"
)

// storedSource is the bolt record of a source. The encrypted blob is kept
// out of the JSON-facing source.Source type on purpose.
type storedSource struct {
	ID           string            `json:"id"`
	Kind         dialect.Kind      `json:"kind"`
	EncryptedDSN []byte            `json:"encrypted_dsn"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// sourcesDB stores sources in a bolt bucket keyed by id.
type sourcesDB struct {
	state *bolt.DB
}

func (db *sourcesDB) Put(ctx context.Context, src *source.Source) error {
	data, err := json.Marshal(storedSource{
		ID:           src.ID,
		Kind:         src.Kind,
		EncryptedDSN: src.EncryptedDSN,
		Metadata:     src.Metadata,
		CreatedAt:    src.CreatedAt,
	})
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(db.state.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSources).Put([]byte(src.ID), data)
	}))
}

func (db *sourcesDB) Get(ctx context.Context, id string) (*source.Source, error) {
	var src *source.Source
	err := db.state.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSources).Get([]byte(id))
		if data == nil {
			return nil
		}
		var stored storedSource
		if err := json.Unmarshal(data, &stored); err != nil {
			return err
		}
		src = stored.toSource()
		return nil
	})
	return src, Error.Wrap(err)
}

func (db *sourcesDB) Delete(ctx context.Context, id string) error {
	return Error.Wrap(db.state.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSources).Delete([]byte(id))
	}))
}

func (db *sourcesDB) List(ctx context.Context) ([]*source.Source, error) {
	var sources []*source.Source
	err := db.state.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSources).ForEach(func(_, data []byte) error {
			var stored storedSource
			if err := json.Unmarshal(data, &stored); err != nil {
				return err
			}
			sources = append(sources, stored.toSource())
			return nil
		})
	})
	return sources, Error.Wrap(err)
}

func (stored *storedSource) toSource() *source.Source {
	return &source.Source{
		ID:           stored.ID,
		Kind:         stored.Kind,
		EncryptedDSN: stored.EncryptedDSN,
		Metadata:     stored.Metadata,
		CreatedAt:    stored.CreatedAt,
	}
}
