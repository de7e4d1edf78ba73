// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

package controllers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"setupranali.io/setupranali/gateway/auth"
)

// ErrKeys is the error class of the keys controller.
var ErrKeys = errs.Class("keys web api controller")

// Keys is the admin web api controller for API key management.
type Keys struct {
	log  *zap.Logger
	auth *auth.Service
}

// NewKeys creates a keys controller.
func NewKeys(log *zap.Logger, auth *auth.Service) *Keys {
	return &Keys{log: log, auth: auth}
}

// Create handles POST /v1/keys. The response carries the plaintext key
// exactly once; only the hash persists.
func (controller *Keys) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	var payload struct {
		Tenant    string `json:"tenant"`
		Role      string `json:"role"`
		RateClass string `json:"rate_class,omitempty"`
		Name      string `json:"name,omitempty"`
	}
	if err = decode(r, &payload); err != nil {
		ServeError(controller.log, w, err)
		return
	}

	plaintext, key, err := controller.auth.Create(ctx, payload.Tenant, auth.Role(payload.Role), payload.RateClass, payload.Name)
	if err != nil {
		ServeError(controller.log, w, err)
		return
	}
	serveJSON(controller.log, w, http.StatusCreated, map[string]interface{}{
		"key":  plaintext,
		"meta": key,
	})
}

// List handles GET /v1/keys.
func (controller *Keys) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	keys, err := controller.auth.List(ctx)
	if err != nil {
		ServeError(controller.log, w, err)
		return
	}
	serveJSON(controller.log, w, http.StatusOK, map[string]interface{}{"keys": keys})
}

// Revoke handles DELETE /v1/keys/{hash}.
func (controller *Keys) Revoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	if err = controller.auth.Revoke(ctx, mux.Vars(r)["hash"]); err != nil {
		ServeError(controller.log, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
