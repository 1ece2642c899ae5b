// Package bytesize parses and formats the byte sizes and transfer rates used
// in mirrord configuration files.
package bytesize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Binary byte size units.
const (
	B  int64 = 1
	KB int64 = 1024
	MB int64 = 1024 * KB
	GB int64 = 1024 * MB
	TB int64 = 1024 * GB
)

// Network rate units (bits per second, SI), expressed in bytes.
const (
	Kbps int64 = 1000 / 8
	Mbps int64 = 1000 * 1000 / 8
	Gbps int64 = 1000 * 1000 * 1000 / 8
)

var (
	// sizePattern matches "100MB", "1.5 GiB", "4096".
	sizePattern = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*([a-zA-Z]*)\s*$`)
	// ratePattern matches "250KB/s", "10mbps", "250K".
	ratePattern = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*([a-zA-Z/]*)\s*$`)
)

var sizeUnits = map[string]int64{
	"": B, "b": B,
	"k": KB, "kb": KB, "ki": KB, "kib": KB,
	"m": MB, "mb": MB, "mi": MB, "mib": MB,
	"g": GB, "gb": GB, "gi": GB, "gib": GB,
	"t": TB, "tb": TB, "ti": TB, "tib": TB,
}

// Parse parses a size such as "32KB", "1.5G" or "4096" into bytes. Units are
// binary and case-insensitive; a bare number is bytes.
func Parse(s string) (int64, error) {
	m := sizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	mult, ok := sizeUnits[strings.ToLower(m[2])]
	if !ok {
		return 0, fmt.Errorf("unknown size unit %q", m[2])
	}
	return scale(m[1], mult)
}

// ParseRate parses a transfer rate into bytes per second. "250KB/s" and
// "250K" mean 250 KiB/s; "kbps", "mbps" and "gbps" are SI bit rates.
func ParseRate(s string) (int64, error) {
	m := ratePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid rate %q", s)
	}
	unit := strings.ToLower(m[2])
	switch unit {
	case "bps":
		v, err := scale(m[1], 1)
		return v / 8, err
	case "kbps":
		return scale(m[1], Kbps)
	case "mbps":
		return scale(m[1], Mbps)
	case "gbps":
		return scale(m[1], Gbps)
	}
	mult, ok := sizeUnits[strings.TrimSuffix(unit, "/s")]
	if !ok {
		return 0, fmt.Errorf("unknown rate unit %q", m[2])
	}
	return scale(m[1], mult)
}

func scale(num string, mult int64) (int64, error) {
	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", num)
	}
	return int64(v * float64(mult)), nil
}

// Format renders bytes with the largest binary unit that keeps the value
// at or above one.
func Format(bytes int64) string {
	for _, u := range []struct {
		n    int64
		name string
	}{{TB, "TB"}, {GB, "GB"}, {MB, "MB"}, {KB, "KB"}} {
		if bytes >= u.n {
			if bytes%u.n == 0 {
				return fmt.Sprintf("%d %s", bytes/u.n, u.name)
			}
			return fmt.Sprintf("%.2f %s", float64(bytes)/float64(u.n), u.name)
		}
	}
	return fmt.Sprintf("%d B", bytes)
}

// Size is a byte count read from YAML as a number or a string with units.
type Size int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Size) UnmarshalYAML(n *yaml.Node) error {
	v, err := decode(n, Parse)
	if err != nil {
		return fmt.Errorf("line %d: size: %w", n.Line, err)
	}
	*s = Size(v)
	return nil
}

// Bytes returns the size in bytes.
func (s Size) Bytes() int64 { return int64(s) }

func (s Size) String() string { return Format(int64(s)) }

// Rate is a transfer rate in bytes per second read from YAML.
type Rate int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (r *Rate) UnmarshalYAML(n *yaml.Node) error {
	v, err := decode(n, ParseRate)
	if err != nil {
		return fmt.Errorf("line %d: rate: %w", n.Line, err)
	}
	*r = Rate(v)
	return nil
}

// BytesPerSecond returns the rate in bytes per second.
func (r Rate) BytesPerSecond() int64 { return int64(r) }

func (r Rate) String() string { return Format(int64(r)) + "/s" }

func decode(n *yaml.Node, parse func(string) (int64, error)) (int64, error) {
	if n.Kind != yaml.ScalarNode {
		return 0, fmt.Errorf("expected a scalar, got %v", n.Tag)
	}
	if n.Tag == "!!int" {
		return strconv.ParseInt(n.Value, 10, 64)
	}
	return parse(n.Value)
}
