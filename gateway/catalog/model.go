// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

// Package catalog holds the immutable semantic model served by the gateway:
// datasets, their dimensions and metrics, and row-level security policies.
package catalog

import (
	"time"

	"github.com/zeebo/errs"
)

// Error is the class of errors returned by this package.
var Error = errs.Class("catalog")

// Duration wraps time.Duration so catalog files can spell intervals as "15m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return Error.New("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the wrapped time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// Type is the nominal type of a dimension or metric value.
type Type string

// The canonical value types.
const (
	TypeString   Type = "string"
	TypeNumber   Type = "number"
	TypeDate     Type = "date"
	TypeDatetime Type = "datetime"
	TypeBoolean  Type = "boolean"
)

// ValidType reports whether t is one of the canonical types.
func ValidType(t Type) bool {
	switch t {
	case TypeString, TypeNumber, TypeDate, TypeDatetime, TypeBoolean:
		return true
	}
	return false
}

// RLSMode selects how the row-level security predicate is derived.
type RLSMode string

// RLSTenantColumn filters rows by equality on a tenant column.
// It is the only mode today; expression mode is the extension point.
const RLSTenantColumn RLSMode = "tenant_column"

// RLSPolicy restricts a dataset's rows per tenant.
type RLSPolicy struct {
	Mode  RLSMode `yaml:"mode" json:"mode"`
	Field string  `yaml:"field" json:"field"`
}

// Dimension is a groupable attribute of a dataset.
type Dimension struct {
	Name  string `yaml:"name" json:"name"`
	Expr  string `yaml:"expr" json:"expr"`
	Type  Type   `yaml:"type" json:"type"`
	Label string `yaml:"label,omitempty" json:"label,omitempty"`
}

// Metric is an aggregate measure of a dataset.
type Metric struct {
	Name   string `yaml:"name" json:"name"`
	Expr   string `yaml:"expr" json:"expr"`
	Type   Type   `yaml:"type" json:"type"`
	Format string `yaml:"format,omitempty" json:"format,omitempty"`
}

// Dataset is a named logical view over an upstream table or SQL expression.
type Dataset struct {
	ID     string `yaml:"id" json:"id"`
	Source string `yaml:"source" json:"source"`

	// Exactly one of Table or SQL is set.
	Table string `yaml:"table,omitempty" json:"table,omitempty"`
	SQL   string `yaml:"sql,omitempty" json:"sql,omitempty"`

	Dimensions []Dimension `yaml:"dimensions" json:"dimensions"`
	Metrics    []Metric    `yaml:"metrics" json:"metrics"`

	RLS *RLSPolicy `yaml:"rls,omitempty" json:"rls,omitempty"`

	// TimeDimension names the dimension BI tools should treat as the
	// primary time axis. Advisory.
	TimeDimension string `yaml:"time_dimension,omitempty" json:"time_dimension,omitempty"`

	// RefreshInterval hints how often the underlying data changes. Advisory.
	RefreshInterval Duration `yaml:"refresh_interval,omitempty" json:"refresh_interval,omitempty"`

	dimensionsByName map[string]*Dimension
	metricsByName    map[string]*Metric
}

// Dimension returns the named dimension, or nil.
func (ds *Dataset) Dimension(name string) *Dimension {
	return ds.dimensionsByName[name]
}

// Metric returns the named metric, or nil.
func (ds *Dataset) Metric(name string) *Metric {
	return ds.metricsByName[name]
}

// finalize builds lookup maps and applies field defaults.
func (ds *Dataset) finalize() {
	ds.dimensionsByName = make(map[string]*Dimension, len(ds.Dimensions))
	for i := range ds.Dimensions {
		dim := &ds.Dimensions[i]
		if dim.Expr == "" {
			dim.Expr = dim.Name
		}
		if dim.Type == "" {
			dim.Type = TypeString
		}
		ds.dimensionsByName[dim.Name] = dim
	}
	ds.metricsByName = make(map[string]*Metric, len(ds.Metrics))
	for i := range ds.Metrics {
		m := &ds.Metrics[i]
		if m.Type == "" {
			m.Type = TypeNumber
		}
		ds.metricsByName[m.Name] = m
	}
}

// Validate checks the dataset invariants.
func (ds *Dataset) Validate() error {
	if ds.ID == "" {
		return Error.New("dataset id is required")
	}
	if ds.Source == "" {
		return Error.New("dataset %q: source is required", ds.ID)
	}
	if (ds.Table == "") == (ds.SQL == "") {
		return Error.New("dataset %q: exactly one of table or sql must be set", ds.ID)
	}
	if len(ds.Dimensions) == 0 && len(ds.Metrics) == 0 {
		return Error.New("dataset %q: at least one dimension or metric is required", ds.ID)
	}

	seen := make(map[string]bool, len(ds.Dimensions)+len(ds.Metrics))
	for _, dim := range ds.Dimensions {
		if dim.Name == "" {
			return Error.New("dataset %q: dimension with empty name", ds.ID)
		}
		if seen[dim.Name] {
			return Error.New("dataset %q: duplicate field name %q", ds.ID, dim.Name)
		}
		seen[dim.Name] = true
		if !ValidType(dim.Type) {
			return Error.New("dataset %q: dimension %q has unknown type %q", ds.ID, dim.Name, dim.Type)
		}
	}
	for _, m := range ds.Metrics {
		if m.Name == "" {
			return Error.New("dataset %q: metric with empty name", ds.ID)
		}
		if seen[m.Name] {
			return Error.New("dataset %q: duplicate field name %q", ds.ID, m.Name)
		}
		seen[m.Name] = true
		if m.Expr == "" {
			return Error.New("dataset %q: metric %q has no expression", ds.ID, m.Name)
		}
		if !ValidType(m.Type) {
			return Error.New("dataset %q: metric %q has unknown type %q", ds.ID, m.Name, m.Type)
		}
	}

	if ds.RLS != nil {
		if ds.RLS.Mode != RLSTenantColumn {
			return Error.New("dataset %q: unsupported rls mode %q", ds.ID, ds.RLS.Mode)
		}
		if ds.RLS.Field == "" {
			return Error.New("dataset %q: rls field is required", ds.ID)
		}
	}

	if ds.TimeDimension != "" && ds.Dimension(ds.TimeDimension) == nil {
		return Error.New("dataset %q: time_dimension %q is not a dimension", ds.ID, ds.TimeDimension)
	}

	return nil
}
