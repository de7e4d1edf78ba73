// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

// Package nlq fixes the contract between the gateway and external
// natural-language translators. The gateway ships none; a translator
// registers at wiring time and returns either a semantic query or an
// error with suggestions.
package nlq

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/zeebo/errs"

	"setupranali.io/setupranali/gateway/apierr"
	"setupranali.io/setupranali/gateway/compiler"
)

// Error is the class of errors returned by this package.
var Error = errs.Class("nlq")

// Question is a natural-language query against one dataset.
type Question struct {
	Text     string `json:"question"`
	Dataset  string `json:"dataset"`
	Provider string `json:"provider,omitempty"`
}

// Result is a translator's answer.
type Result struct {
	Request     *compiler.QueryRequest `json:"query"`
	Explanation string                 `json:"explanation,omitempty"`
	Suggestions []string               `json:"suggestions,omitempty"`
}

// Translator turns a question into a semantic query.
type Translator interface {
	Translate(ctx context.Context, question Question) (Result, error)
}

// Registry holds the configured translators by provider name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Translator
	fallback  string
}

// NewRegistry creates an empty translator registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Translator)}
}

// Register adds a translator under a provider name. The first registered
// provider becomes the default.
func (registry *Registry) Register(provider string, translator Translator) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if registry.fallback == "" {
		registry.fallback = provider
	}
	registry.providers[provider] = translator
}

// Providers lists the registered provider names.
func (registry *Registry) Providers() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	names := make([]string, 0, len(registry.providers))
	for name := range registry.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Translate routes the question to the requested provider, or the default
// when none is named.
func (registry *Registry) Translate(ctx context.Context, question Question) (Result, error) {
	if question.Text == "" {
		return Result{}, apierr.Validation("question", "must not be empty")
	}

	registry.mu.RLock()
	provider := question.Provider
	if provider == "" {
		provider = registry.fallback
	}
	translator := registry.providers[provider]
	registry.mu.RUnlock()

	if translator == nil {
		err := apierr.BadRequest("no natural-language translator is configured")
		if providers := registry.Providers(); len(providers) > 0 {
			err = apierr.BadRequest("unknown translator provider %q", question.Provider)
			err.Suggestion = "configured providers: " + strings.Join(providers, ", ")
		}
		return Result{}, err
	}

	result, err := translator.Translate(ctx, question)
	if err != nil {
		return Result{}, Error.Wrap(err)
	}
	if result.Request == nil {
		return result, apierr.BadRequest("the translator could not produce a query")
	}
	result.Request.Dataset = question.Dataset
	return result, nil
}
