// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

// Package memory implements byte size types for configuration.
package memory

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/zeebo/errs"
)

// Size implements flag.Value for collecting memory sizes such as "32MiB".
type Size int64

// base 2 and base 10 sizes.
const (
	B Size = 1 << (10 * iota)
	KiB
	MiB
	GiB
	TiB

	KB Size = 1e3
	MB Size = 1e6
	GB Size = 1e9
	TB Size = 1e12
)

// Int returns bytes size as int.
func (size Size) Int() int { return int(size) }

// Int64 returns bytes size as int64.
func (size Size) Int64() int64 { return int64(size) }

// Base2 returns the size formatted with a base 2 suffix.
func (size Size) Base2() string {
	if size == 0 {
		return "0 B"
	}
	switch {
	case abs(size) >= TiB*2/3:
		return fmt.Sprintf("%.1f TiB", size.TiB())
	case abs(size) >= GiB*2/3:
		return fmt.Sprintf("%.1f GiB", size.GiB())
	case abs(size) >= MiB*2/3:
		return fmt.Sprintf("%.1f MiB", size.MiB())
	case abs(size) >= KiB*2/3:
		return fmt.Sprintf("%.1f KiB", size.KiB())
	}
	return strconv.FormatInt(size.Int64(), 10) + " B"
}

// KiB returns the size in kibibytes.
func (size Size) KiB() float64 { return float64(size) / float64(KiB) }

// MiB returns the size in mebibytes.
func (size Size) MiB() float64 { return float64(size) / float64(MiB) }

// GiB returns the size in gibibytes.
func (size Size) GiB() float64 { return float64(size) / float64(GiB) }

// TiB returns the size in tebibytes.
func (size Size) TiB() float64 { return float64(size) / float64(TiB) }

// String converts size to a string using base 2 suffixes.
func (size Size) String() string {
	return strings.ReplaceAll(size.Base2(), " ", "")
}

// Type implements pflag.Value.
func (Size) Type() string { return "memory.Size" }

// Set updates the value from a string such as "1GiB" or "512KB".
func (size *Size) Set(s string) error {
	if s == "" {
		return errs.New("empty size")
	}

	p := len(s)
	for p > 0 {
		c := s[p-1]
		if c >= '0' && c <= '9' || c == '.' {
			break
		}
		p--
	}
	value, suffix := s[:p], strings.TrimSpace(s[p:])
	suffix = strings.ToUpper(strings.TrimSuffix(strings.TrimSuffix(suffix, "B"), "b"))

	var unit Size
	switch suffix {
	case "":
		unit = B
	case "K":
		unit = KB
	case "M":
		unit = MB
	case "G":
		unit = GB
	case "T":
		unit = TB
	case "KI":
		unit = KiB
	case "MI":
		unit = MiB
	case "GI":
		unit = GiB
	case "TI":
		unit = TiB
	default:
		return errs.New("unknown size suffix %q", s)
	}

	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return errs.New("size %q is not a number: %v", s, err)
	}

	*size = Size(v * float64(unit))
	return nil
}

func abs(size Size) Size {
	if size < 0 {
		return -size
	}
	return size
}
