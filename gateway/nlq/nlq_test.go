// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

package nlq_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"setupranali.io/setupranali/gateway/apierr"
	"setupranali.io/setupranali/gateway/compiler"
	"setupranali.io/setupranali/gateway/nlq"
	"setupranali.io/setupranali/private/testcontext"
)

type fakeTranslator struct {
	result nlq.Result
	err    error
}

func (tr *fakeTranslator) Translate(ctx context.Context, question nlq.Question) (nlq.Result, error) {
	return tr.result, tr.err
}

func TestTranslate(t *testing.T) {
	ctx := testcontext.New(t)

	registry := nlq.NewRegistry()
	registry.Register("echo", &fakeTranslator{result: nlq.Result{
		Request:     &compiler.QueryRequest{Metrics: []string{"revenue"}},
		Explanation: "total revenue",
	}})

	result, err := registry.Translate(ctx, nlq.Question{
		Text:    "what is the total revenue",
		Dataset: "orders",
	})
	require.NoError(t, err)
	require.Equal(t, "total revenue", result.Explanation)
	// the dataset pins to the question regardless of the translator
	require.Equal(t, "orders", result.Request.Dataset)
}

func TestTranslateValidation(t *testing.T) {
	ctx := testcontext.New(t)
	registry := nlq.NewRegistry()

	_, err := registry.Translate(ctx, nlq.Question{Dataset: "orders"})
	require.Equal(t, "ERR_2002", apierr.Wrap(err).Code)
}

func TestNoTranslatorConfigured(t *testing.T) {
	ctx := testcontext.New(t)
	registry := nlq.NewRegistry()

	_, err := registry.Translate(ctx, nlq.Question{Text: "anything", Dataset: "orders"})
	require.Equal(t, "ERR_2000", apierr.Wrap(err).Code)
}

func TestUnknownProvider(t *testing.T) {
	ctx := testcontext.New(t)

	registry := nlq.NewRegistry()
	registry.Register("echo", &fakeTranslator{result: nlq.Result{
		Request: &compiler.QueryRequest{},
	}})

	_, err := registry.Translate(ctx, nlq.Question{
		Text:     "anything",
		Dataset:  "orders",
		Provider: "oracle-of-delphi",
	})
	apiErr := apierr.Wrap(err)
	require.Equal(t, "ERR_2000", apiErr.Code)
	require.Contains(t, apiErr.Suggestion, "echo")
}

func TestDefaultProvider(t *testing.T) {
	ctx := testcontext.New(t)

	registry := nlq.NewRegistry()
	registry.Register("first", &fakeTranslator{result: nlq.Result{
		Request:     &compiler.QueryRequest{},
		Explanation: "from first",
	}})
	registry.Register("second", &fakeTranslator{result: nlq.Result{
		Request:     &compiler.QueryRequest{},
		Explanation: "from second",
	}})

	result, err := registry.Translate(ctx, nlq.Question{Text: "anything", Dataset: "d"})
	require.NoError(t, err)
	require.Equal(t, "from first", result.Explanation)

	require.Equal(t, []string{"first", "second"}, registry.Providers())
}

func TestTranslatorWithoutQuery(t *testing.T) {
	ctx := testcontext.New(t)

	registry := nlq.NewRegistry()
	registry.Register("vague", &fakeTranslator{result: nlq.Result{
		Suggestions: []string{"try asking about revenue by region"},
	}})

	result, err := registry.Translate(ctx, nlq.Question{Text: "hmm", Dataset: "orders"})
	require.Equal(t, "ERR_2000", apierr.Wrap(err).Code)
	require.NotEmpty(t, result.Suggestions)
}
