// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

package catalog

import (
	"context"
	"os"
	"sort"
	"sync/atomic"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var mon = monkit.Package()

// Config holds the catalog configuration.
type Config struct {
	Path string `help:"path to the catalog file" default:"$CONFDIR/catalog.yaml"`
}

// Snapshot is an immutable view of all datasets. Requests hold one snapshot
// pointer for their whole lifetime; reloads never mutate a published
// snapshot.
type Snapshot struct {
	Generation uint64

	datasets map[string]*Dataset
	ordered  []*Dataset
}

// Dataset returns the dataset with the given id, or nil.
func (snap *Snapshot) Dataset(id string) *Dataset {
	return snap.datasets[id]
}

// Datasets returns all datasets ordered by id.
func (snap *Snapshot) Datasets() []*Dataset {
	return snap.ordered
}

// Len returns the number of datasets in the snapshot.
func (snap *Snapshot) Len() int { return len(snap.datasets) }

// Catalog serves the current snapshot and swaps it atomically on reload.
type Catalog struct {
	log     *zap.Logger
	config  Config
	current atomic.Pointer[Snapshot]
	gen     atomic.Uint64
}

// New creates a catalog serving an empty snapshot.
func New(log *zap.Logger, config Config) *Catalog {
	cat := &Catalog{log: log, config: config}
	cat.current.Store(&Snapshot{datasets: map[string]*Dataset{}})
	return cat
}

// Current returns the currently served snapshot.
func (cat *Catalog) Current() *Snapshot {
	return cat.current.Load()
}

// Load reads and validates the configured catalog file and publishes it.
// On failure the previous snapshot keeps serving.
func (cat *Catalog) Load(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	snap, err := ReadFile(cat.config.Path)
	if err != nil {
		return err
	}
	cat.publish(snap)
	cat.log.Info("catalog loaded",
		zap.String("path", cat.config.Path),
		zap.Int("datasets", snap.Len()),
		zap.Uint64("generation", snap.Generation))
	return nil
}

// Replace validates and publishes the given datasets. Used by tests and by
// embedders that build catalogs programmatically.
func (cat *Catalog) Replace(datasets []Dataset) error {
	snap, err := buildSnapshot(datasets)
	if err != nil {
		return err
	}
	cat.publish(snap)
	return nil
}

func (cat *Catalog) publish(snap *Snapshot) {
	snap.Generation = cat.gen.Add(1)
	cat.current.Store(snap)
}

type catalogFile struct {
	Datasets []Dataset `yaml:"datasets"`
}

// ReadFile parses and validates a catalog YAML file.
func ReadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return Parse(data)
}

// Parse parses and validates catalog YAML.
func Parse(data []byte) (*Snapshot, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, Error.New("invalid catalog yaml: %w", err)
	}
	return buildSnapshot(file.Datasets)
}

func buildSnapshot(datasets []Dataset) (*Snapshot, error) {
	snap := &Snapshot{datasets: make(map[string]*Dataset, len(datasets))}
	for i := range datasets {
		ds := datasets[i]
		ds.finalize()
		if err := ds.Validate(); err != nil {
			return nil, err
		}
		if _, exists := snap.datasets[ds.ID]; exists {
			return nil, Error.New("duplicate dataset id %q", ds.ID)
		}
		snap.datasets[ds.ID] = &ds
		snap.ordered = append(snap.ordered, &ds)
	}
	sort.Slice(snap.ordered, func(i, k int) bool {
		return snap.ordered[i].ID < snap.ordered[k].ID
	})
	return snap, nil
}
