package config

import (
	"strings"

	"github.com/dustin/go-humanize"
)

// ByteSize is a size in bytes parsed from values such as "100MB", "1.5 GiB" or "5242880".
type ByteSize int64

// ParseByteSize parses a human-readable byte size string.
func ParseByteSize(s string) (ByteSize, error) {
	n, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return ByteSize(n), nil
}

// UnmarshalText implements encoding.TextUnmarshaler for Viper and YAML.
func (b *ByteSize) UnmarshalText(text []byte) error {
	parsed, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// String returns the size in SI units.
func (b ByteSize) String() string {
	return humanize.Bytes(uint64(b))
}

// Int64 returns the size as bytes.
func (b ByteSize) Int64() int64 {
	return int64(b)
}
