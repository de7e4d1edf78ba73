// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

// Package cfgstruct binds tagged configuration structs to flag sets.
package cfgstruct

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"setupranali.io/setupranali/private/memory"
)

// DefaultsType hints which set of defaults to use, "dev" or "release".
const DefaultsType = "defaults"

// BindOpt associates a value to a binding.
type BindOpt struct {
	apply func(vars map[string]confVar)
}

type confVar struct {
	val   string
	isDev bool
}

// ConfDir sets the $CONFDIR interpolation value for defaults.
func ConfDir(path string) BindOpt {
	val := strings.TrimSuffix(path, "/")
	return BindOpt{apply: func(vars map[string]confVar) {
		vars["CONFDIR"] = confVar{val: val}
	}}
}

// UseDevDefaults forces the dev defaults to be selected.
func UseDevDefaults() BindOpt {
	return BindOpt{apply: func(vars map[string]confVar) {
		vars["defaults"] = confVar{val: "dev"}
	}}
}

// UseReleaseDefaults forces the release defaults to be selected.
func UseReleaseDefaults() BindOpt {
	return BindOpt{apply: func(vars map[string]confVar) {
		vars["defaults"] = confVar{val: "release"}
	}}
}

// DefaultsFlag registers a --defaults flag on the command and returns an
// option that resolves it at bind time.
func DefaultsFlag(cmd *cobra.Command) BindOpt {
	value := cmd.PersistentFlags().String(DefaultsType, "dev",
		"determines which set of configuration defaults to use. can either be 'dev' or 'release'")

	return BindOpt{apply: func(vars map[string]confVar) {
		vars["defaults"] = confVar{val: strings.ToLower(*value)}
	}}
}

// SetupFlag registers a pre-parsed flag so that values like --config-dir are
// available before full flag parsing happens.
func SetupFlag(log *zap.Logger, cmd *cobra.Command, value *string, name, def, usage string) {
	cmd.PersistentFlags().StringVar(value, name, def, usage)

	if err := hidePassedFlag(cmd, name); err != nil {
		log.Error("failed to hide flag", zap.String("name", name), zap.Error(err))
	}
}

func hidePassedFlag(cmd *cobra.Command, name string) error {
	return cmd.PersistentFlags().SetAnnotation(name, "setup", []string{"true"})
}

// Bind sets flags on a FlagSet that match the configuration struct.
func Bind(flags *pflag.FlagSet, config interface{}, opts ...BindOpt) {
	ptr := reflect.ValueOf(config)
	if ptr.Kind() != reflect.Ptr {
		panic(fmt.Sprintf("invalid config type: %#v, expecting pointer to struct", config))
	}

	vars := map[string]confVar{"defaults": {val: "dev"}}
	for _, opt := range opts {
		opt.apply(vars)
	}
	release := vars["defaults"].val == "release"

	bindConfig(flags, "", ptr.Elem(), vars, release)
}

func bindConfig(flags *pflag.FlagSet, prefix string, val reflect.Value, vars map[string]confVar, release bool) {
	if val.Kind() != reflect.Struct {
		panic(fmt.Sprintf("invalid config type: %#v, expecting struct", val.Interface()))
	}
	typ := val.Type()

	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		fieldval := val.Field(i)
		flagname := prefix + hyphenate(snakeCase(field.Name))

		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Time{}) {
			if !isFlagValue(fieldval) {
				bindConfig(flags, flagname+".", fieldval, vars, release)
				continue
			}
		}

		help := field.Tag.Get("help")
		def := field.Tag.Get("default")
		if release {
			if v, ok := field.Tag.Lookup("releaseDefault"); ok {
				def = v
			}
		} else {
			if v, ok := field.Tag.Lookup("devDefault"); ok {
				def = v
			}
		}
		def = expand(def, vars)

		fieldaddr := fieldval.Addr().Interface()
		switch addr := fieldaddr.(type) {
		case *memory.Size:
			if def != "" {
				if err := addr.Set(def); err != nil {
					panic(fmt.Sprintf("invalid default %q for %s: %v", def, flagname, err))
				}
			}
			flags.Var(addr, flagname, help)
		case pflag.Value:
			if def != "" {
				if err := addr.Set(def); err != nil {
					panic(fmt.Sprintf("invalid default %q for %s: %v", def, flagname, err))
				}
			}
			flags.Var(addr, flagname, help)
		case *string:
			flags.StringVar(addr, flagname, def, help)
		case *bool:
			flags.BoolVar(addr, flagname, parseBool(flagname, def), help)
		case *int:
			flags.IntVar(addr, flagname, int(parseInt(flagname, def)), help)
		case *int64:
			flags.Int64Var(addr, flagname, parseInt(flagname, def), help)
		case *uint:
			flags.UintVar(addr, flagname, uint(parseUint(flagname, def)), help)
		case *uint64:
			flags.Uint64Var(addr, flagname, parseUint(flagname, def), help)
		case *float64:
			flags.Float64Var(addr, flagname, parseFloat(flagname, def), help)
		case *time.Duration:
			flags.DurationVar(addr, flagname, parseDuration(flagname, def), help)
		case *[]string:
			var defs []string
			if def != "" {
				defs = strings.Split(def, ",")
			}
			flags.StringSliceVar(addr, flagname, defs, help)
		default:
			panic(fmt.Sprintf("invalid field type %s for flag %s", field.Type, flagname))
		}

		markAnnotations(flags, flagname, field)
	}
}

func isFlagValue(val reflect.Value) bool {
	_, ok := val.Addr().Interface().(pflag.Value)
	return ok
}

func markAnnotations(flags *pflag.FlagSet, flagname string, field reflect.StructField) {
	if field.Tag.Get("hidden") == "true" {
		_ = flags.MarkHidden(flagname)
		_ = flags.SetAnnotation(flagname, "hidden", []string{"true"})
	}
	if field.Tag.Get("setup") == "true" {
		_ = flags.SetAnnotation(flagname, "setup", []string{"true"})
	}
	if field.Tag.Get("user") == "true" {
		_ = flags.SetAnnotation(flagname, "user", []string{"true"})
	}
}

func expand(s string, vars map[string]confVar) string {
	for name, v := range vars {
		s = strings.ReplaceAll(s, "$"+name, v.val)
	}
	return s
}

func parseBool(name, s string) bool {
	if s == "" {
		return false
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		panic(fmt.Sprintf("invalid bool default %q for %s", s, name))
	}
	return v
}

func parseInt(name, s string) int64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		panic(fmt.Sprintf("invalid int default %q for %s", s, name))
	}
	return v
}

func parseUint(name, s string) uint64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		panic(fmt.Sprintf("invalid uint default %q for %s", s, name))
	}
	return v
}

func parseFloat(name, s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		panic(fmt.Sprintf("invalid float default %q for %s", s, name))
	}
	return v
}

func parseDuration(name, s string) time.Duration {
	if s == "" {
		return 0
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		panic(fmt.Sprintf("invalid duration default %q for %s", s, name))
	}
	return v
}

// snakeCase converts CamelCase names to snake_case.
func snakeCase(name string) string {
	var out []rune
	for i, r := range name {
		if i > 0 && r >= 'A' && r <= 'Z' {
			prev := rune(name[i-1])
			nextLower := i+1 < len(name) && name[i+1] >= 'a' && name[i+1] <= 'z'
			if prev < 'A' || prev > 'Z' || nextLower {
				out = append(out, '-')
			}
		}
		out = append(out, r)
	}
	return strings.ToLower(string(out))
}

func hyphenate(name string) string {
	return strings.ReplaceAll(name, "_", "-")
}
