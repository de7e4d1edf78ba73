// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

package process

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// SaveConfigOption customizes SaveConfig.
type SaveConfigOption func(*saveConfigOptions)

type saveConfigOptions struct {
	overrides map[string]interface{}
}

// SaveConfigWithOverrides forces the given values into the written file.
func SaveConfigWithOverrides(overrides map[string]interface{}) SaveConfigOption {
	return func(opts *saveConfigOptions) {
		opts.overrides = overrides
	}
}

// SaveConfig renders the command's flags into a commented YAML config file.
// Flags left at their default value are written commented out.
func SaveConfig(cmd *cobra.Command, outfile string, saveOpts ...SaveConfigOption) error {
	opts := saveConfigOptions{}
	for _, opt := range saveOpts {
		opt(&opts)
	}

	flags := cmd.Flags()

	type entry struct {
		name    string
		help    string
		value   string
		changed bool
	}
	var entries []entry

	flags.VisitAll(func(f *pflag.Flag) {
		if isInternalFlag(f) {
			return
		}

		value := f.Value.String()
		changed := f.Changed
		if override, ok := opts.overrides[f.Name]; ok {
			value = fmt.Sprintf("%v", override)
			changed = true
		}

		entries = append(entries, entry{
			name:    f.Name,
			help:    f.Usage,
			value:   value,
			changed: changed,
		})
	})

	sort.Slice(entries, func(i, k int) bool { return entries[i].name < entries[k].name })

	var sb strings.Builder
	for _, e := range entries {
		if e.help != "" {
			fmt.Fprintf(&sb, "# %s\n", e.help)
		}
		line, err := yamlLine(e.name, e.value)
		if err != nil {
			return Error.Wrap(err)
		}
		if e.changed {
			sb.WriteString(line)
		} else {
			sb.WriteString("# " + line)
		}
		sb.WriteString("\n")
	}

	return atomicWrite(outfile, 0600, []byte(sb.String()))
}

func isInternalFlag(f *pflag.Flag) bool {
	switch f.Name {
	case "config-dir", "defaults", "help", "version":
		return true
	}
	if anns := f.Annotations; anns != nil {
		if _, ok := anns["setup"]; ok {
			return true
		}
		if _, ok := anns["hidden"]; ok {
			return true
		}
	}
	return false
}

func yamlLine(name, value string) (string, error) {
	data, err := yaml.Marshal(map[string]string{name: value})
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(data), "\n"), nil
}

func atomicWrite(path string, mode os.FileMode, data []byte) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp")
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return Error.Wrap(err)
	}
	if err := tmp.Chmod(mode); err != nil {
		return Error.Wrap(err)
	}
	if err := tmp.Close(); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(os.Rename(tmp.Name(), path))
}
