package size

import (
	"fmt"
	"strconv"
	"strings"
)

// Size is a number of bytes
type Size uint64

// Sizes
const (
	KiB = 1024
	MiB = 1024 * KiB
	GiB = 1024 * MiB
)

// KiB returns the size in Kibibytes (fs / 1024)
func (fs Size) KiB() float64 {
	return float64(fs) / KiB
}

// MiB returns the size in Mebibytes (fs / 1024^2)
func (fs Size) MiB() float64 {
	return float64(fs) / MiB
}

// GiB returns the size in Gibibytes (fs / 1024^3)
func (fs Size) GiB() float64 {
	return float64(fs) / GiB
}

func (fs Size) String() string {
	switch {
	case fs < KiB:
		return fmt.Sprintf("%d B", fs)
	case fs < MiB:
		return fmt.Sprintf("%.2f KiB", fs.KiB())
	case fs < GiB:
		return fmt.Sprintf("%.2f MiB", fs.MiB())
	default:
		return fmt.Sprintf("%.2f GiB", fs.GiB())
	}
}

var units = []struct {
	suffix string
	factor uint64
}{
	{"gib", GiB},
	{"mib", MiB},
	{"kib", KiB},
	{"g", GiB},
	{"m", MiB},
	{"k", KiB},
	{"b", 1},
}

// Parse reads a size such as "512", "16KiB" or "1.5m".
// Suffixes are case insensitive and binary.
func Parse(s string) (Size, error) {
	str := strings.ToLower(strings.TrimSpace(s))
	if str == "" {
		return 0, fmt.Errorf("empty size")
	}

	factor := uint64(1)
	for _, unit := range units {
		if strings.HasSuffix(str, unit.suffix) {
			str = strings.TrimSpace(strings.TrimSuffix(str, unit.suffix))
			factor = unit.factor
			break
		}
	}

	v, err := strconv.ParseFloat(str, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}

	return Size(v * float64(factor)), nil
}
