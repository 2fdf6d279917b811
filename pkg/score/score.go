// Package score encodes an ordering key and a small metadata bitmask into a
// single sortable float64.
//
// The integer part of an encoded score carries the ordering key (typically a
// unix timestamp) and the fractional part carries the metadata bits scaled by
// the codec's precision. Two scores with equal ordering keys sort by their
// metadata bits alone, and the ordering key always dominates the metadata.
package score

import (
	"errors"
	"fmt"
	"math"
)

var ErrInvalidMetadata = errors.New("invalid metadata value")

// InvalidMetadataError reports a metadata value outside the codec's range.
func InvalidMetadataError(metadata, max int) error {
	return fmt.Errorf("metadata %d must be in [0, %d]: %w", metadata, max, ErrInvalidMetadata)
}

// Variant selects the fractional budget of a codec.
type Variant int

const (
	// Decimal reserves three decimal digits in the fraction (metadata 0..999).
	Decimal Variant = iota

	// Binary reserves exactly eight bits in the fraction (metadata 0..255).
	Binary
)

// Codec encodes and decodes scores for one fractional scheme. The zero value
// is not usable; construct with NewCodec.
type Codec struct {
	precision   float64
	maxMetadata int
}

// NewCodec returns a codec for the given variant.
func NewCodec(v Variant) *Codec {
	switch v {
	case Binary:
		return &Codec{precision: 256, maxMetadata: 255}
	default:
		return &Codec{precision: 1000, maxMetadata: 999}
	}
}

// MaxMetadata returns the largest metadata value the codec can encode.
func (c *Codec) MaxMetadata() int {
	return c.maxMetadata
}

// Encode combines orderingKey and metadata into a single score. Precision
// loss is possible only when orderingKey does not fit the integer budget of
// a float64, which unix timestamps do not approach.
func (c *Codec) Encode(orderingKey int64, metadata int) (float64, error) {
	if metadata < 0 || metadata > c.maxMetadata {
		return 0, InvalidMetadataError(metadata, c.maxMetadata)
	}
	return float64(orderingKey) + float64(metadata)/c.precision, nil
}

// EncodeFlags is Encode with the metadata given as named flags reduced via
// bitwise OR.
func (c *Codec) EncodeFlags(orderingKey int64, flags ...Flag) (float64, error) {
	return c.Encode(orderingKey, int(CombineFlags(flags...)))
}

// Decoded is the result of unpacking a score.
type Decoded struct {
	OrderingKey int64
	Metadata    int
	Flags       []Flag
}

// Decode unpacks a score. A non-finite input decodes to the zero Decoded
// value; callers must not rely on that to detect malformed input.
func (c *Codec) Decode(s float64) Decoded {
	if math.IsNaN(s) || math.IsInf(s, 0) {
		return Decoded{Flags: []Flag{}}
	}
	ord := math.Floor(s)
	metadata := int(math.Round((s - ord) * c.precision))
	if metadata > c.maxMetadata {
		metadata = c.maxMetadata
	}
	return Decoded{
		OrderingKey: int64(ord),
		Metadata:    metadata,
		Flags:       FlagsOf(uint8(metadata & 0xff)),
	}
}

// HasFlags reports whether every requested flag bit is set in the score's
// metadata.
func (c *Codec) HasFlags(s float64, flags ...Flag) bool {
	metadata := uint8(c.Decode(s).Metadata & 0xff)
	want := uint8(CombineFlags(flags...))
	return metadata&want == want
}

// AddFlags re-encodes the score with the given flag bits set, preserving the
// ordering key.
func (c *Codec) AddFlags(s float64, flags ...Flag) float64 {
	d := c.Decode(s)
	metadata := d.Metadata | int(CombineFlags(flags...))
	encoded, err := c.Encode(d.OrderingKey, metadata)
	if err != nil {
		// Flags are capped at 255 so the OR cannot leave the codec's range.
		return s
	}
	return encoded
}

// RemoveFlags re-encodes the score with the given flag bits cleared,
// preserving the ordering key.
func (c *Codec) RemoveFlags(s float64, flags ...Flag) float64 {
	d := c.Decode(s)
	metadata := d.Metadata &^ int(CombineFlags(flags...))
	encoded, err := c.Encode(d.OrderingKey, metadata)
	if err != nil {
		return s
	}
	return encoded
}

// MeetsCategory reports whether the score's metadata satisfies the category
// mask. See MeetsCategory for the bit semantics.
func (c *Codec) MeetsCategory(s float64, cat Category) bool {
	return MeetsCategory(uint8(c.Decode(s).Metadata&0xff), cat)
}
