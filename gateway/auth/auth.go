// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

// Package auth maps API keys to identities: tenant, role, and rate class.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/mr-tron/base58"
	"github.com/zeebo/errs"
)

// Error is the class of errors returned by this package.
var Error = errs.Class("auth")

// AdminTenant is the wildcard tenant carried by admin keys. It bypasses
// row-level security.
const AdminTenant = "*"

// keyPrefix marks generated API keys so they are recognizable in configs
// and support tickets without revealing anything.
const keyPrefix = "sp_"

// Role is the permission level of an API key.
type Role string

// The roles, from most to least privileged.
const (
	RoleAdmin   Role = "admin"
	RoleAnalyst Role = "analyst"
	RoleViewer  Role = "viewer"
)

// ValidRole reports whether r is a known role.
func ValidRole(r Role) bool {
	switch r {
	case RoleAdmin, RoleAnalyst, RoleViewer:
		return true
	}
	return false
}

// Allows reports whether the role covers the required role.
func (r Role) Allows(required Role) bool {
	rank := map[Role]int{RoleViewer: 0, RoleAnalyst: 1, RoleAdmin: 2}
	return rank[r] >= rank[required]
}

// Identity is the resolved principal of a request.
type Identity struct {
	Tenant    string
	Role      Role
	RateClass string
	KeyHash   string
}

// IsAdmin reports whether the identity bypasses row-level security.
func (id Identity) IsAdmin() bool { return id.Tenant == AdminTenant && id.Role == RoleAdmin }

// Key is a persisted API key record. The raw key string never touches
// disk; only its SHA-256 is stored.
type Key struct {
	Hash      string    `json:"hash"`
	Tenant    string    `json:"tenant"`
	Role      Role      `json:"role"`
	RateClass string    `json:"rate_class,omitempty"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Identity returns the identity this key resolves to.
func (k *Key) Identity() Identity {
	return Identity{Tenant: k.Tenant, Role: k.Role, RateClass: k.RateClass, KeyHash: k.Hash}
}

// DB persists API keys by hash.
type DB interface {
	Put(ctx context.Context, key *Key) error
	Get(ctx context.Context, hash string) (*Key, error)
	Delete(ctx context.Context, hash string) error
	List(ctx context.Context) ([]*Key, error)
}

// HashKey returns the hex SHA-256 of the raw key string.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// GenerateKey returns a fresh random API key string.
func GenerateKey() (string, error) {
	var material [32]byte
	if _, err := rand.Read(material[:]); err != nil {
		return "", Error.Wrap(err)
	}
	return keyPrefix + base58.Encode(material[:]), nil
}
