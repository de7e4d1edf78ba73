// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

package auth

import (
	"context"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"

	"setupranali.io/setupranali/gateway/apierr"
)

var mon = monkit.Package()

// Config holds the auth configuration.
type Config struct {
	BootstrapKey string `help:"admin key registered at startup when the key store is empty" releaseDefault:"" devDefault:"dev-admin-key"`
}

// Service resolves API keys to identities. Lookups hit a read-mostly
// in-memory map; mutations go through the DB and update the map under a
// brief exclusive hold.
//
// architecture: Service
type Service struct {
	log    *zap.Logger
	db     DB
	config Config

	mu   sync.RWMutex
	keys map[string]*Key // by hash
}

// NewService creates an auth service over the given key store.
func NewService(log *zap.Logger, db DB, config Config) *Service {
	return &Service{
		log:    log,
		db:     db,
		config: config,
		keys:   make(map[string]*Key),
	}
}

// LoadKeys fills the in-memory map from the store and registers the
// bootstrap admin key when the store is empty.
func (service *Service) LoadKeys(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	keys, err := service.db.List(ctx)
	if err != nil {
		return Error.Wrap(err)
	}

	if len(keys) == 0 && service.config.BootstrapKey != "" {
		key := &Key{
			Hash:      HashKey(service.config.BootstrapKey),
			Tenant:    AdminTenant,
			Role:      RoleAdmin,
			Name:      "bootstrap",
			CreatedAt: time.Now().UTC(),
		}
		if err := service.db.Put(ctx, key); err != nil {
			return Error.Wrap(err)
		}
		keys = append(keys, key)
		service.log.Info("registered bootstrap admin key",
			zap.String("key_hash", shortHash(key.Hash)))
	}

	service.mu.Lock()
	defer service.mu.Unlock()
	service.keys = make(map[string]*Key, len(keys))
	for _, key := range keys {
		service.keys[key.Hash] = key
	}
	return nil
}

// Resolve maps a raw API key to an identity. A missing or unknown key is
// Unauthenticated; role checks happen at the route level.
func (service *Service) Resolve(ctx context.Context, raw string) (_ Identity, err error) {
	defer mon.Task()(&ctx)(&err)

	if raw == "" {
		return Identity{}, apierr.Unauthenticated("missing X-API-Key header")
	}

	hash := HashKey(raw)

	service.mu.RLock()
	key, ok := service.keys[hash]
	service.mu.RUnlock()
	if ok {
		return key.Identity(), nil
	}

	// Keys created through the API land in the map immediately; this path
	// covers stores opened with pre-existing content.
	key, err = service.db.Get(ctx, hash)
	if err != nil || key == nil {
		mon.Event("auth_unknown_key")
		return Identity{}, apierr.Unauthenticated("unknown API key")
	}

	service.mu.Lock()
	service.keys[key.Hash] = key
	service.mu.Unlock()
	return key.Identity(), nil
}

// Create generates and persists a new API key, returning the plaintext
// exactly once.
func (service *Service) Create(ctx context.Context, tenant string, role Role, rateClass, name string) (plaintext string, _ *Key, err error) {
	defer mon.Task()(&ctx)(&err)

	if tenant == "" {
		return "", nil, apierr.Validation("tenant", "must not be empty")
	}
	if !ValidRole(role) {
		return "", nil, apierr.Validation("role", "must be admin, analyst, or viewer")
	}
	if tenant == AdminTenant && role != RoleAdmin {
		return "", nil, apierr.Validation("tenant", "the wildcard tenant requires the admin role")
	}

	plaintext, err = GenerateKey()
	if err != nil {
		return "", nil, Error.Wrap(err)
	}

	key := &Key{
		Hash:      HashKey(plaintext),
		Tenant:    tenant,
		Role:      role,
		RateClass: rateClass,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	if err := service.db.Put(ctx, key); err != nil {
		return "", nil, Error.Wrap(err)
	}

	service.mu.Lock()
	service.keys[key.Hash] = key
	service.mu.Unlock()

	service.log.Info("api key created",
		zap.String("key_hash", shortHash(key.Hash)),
		zap.String("tenant", tenant),
		zap.String("role", string(role)))
	return plaintext, key, nil
}

// Revoke removes a key by hash.
func (service *Service) Revoke(ctx context.Context, hash string) (err error) {
	defer mon.Task()(&ctx)(&err)

	service.mu.Lock()
	_, known := service.keys[hash]
	delete(service.keys, hash)
	service.mu.Unlock()

	if err := service.db.Delete(ctx, hash); err != nil {
		return Error.Wrap(err)
	}
	if !known {
		return apierr.NotFound("api key", shortHash(hash))
	}
	service.log.Info("api key revoked", zap.String("key_hash", shortHash(hash)))
	return nil
}

// List returns all keys. Hashes only; the plaintext is gone after Create.
func (service *Service) List(ctx context.Context) (_ []*Key, err error) {
	defer mon.Task()(&ctx)(&err)
	keys, err := service.db.List(ctx)
	return keys, Error.Wrap(err)
}

// shortHash truncates a key hash for logging.
func shortHash(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}
