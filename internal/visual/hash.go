package visual

import (
	"image"
	"strconv"
	"strings"

	"github.com/corona10/goimagehash"
	"github.com/samber/oops"
)

// Hash is a 64-bit perceptual hash of the chat pane.
type Hash uint64

// FromImage computes the perceptual hash of img.
func FromImage(img image.Image) (Hash, error) {
	h, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return 0, oops.In("visual").Wrapf(err, "compute perception hash")
	}
	return Hash(h.GetHash()), nil
}

// ParseHash accepts the 16 hex character form written by String. The "p:"
// prefix produced by goimagehash is tolerated.
func ParseHash(s string) (Hash, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "p:")
	if s == "" || len(s) > 16 {
		return 0, oops.In("visual").With("hash", s).Errorf("invalid hash length %d", len(s))
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, oops.In("visual").With("hash", s).Wrapf(err, "parse hash")
	}
	return Hash(v), nil
}

func (h Hash) String() string {
	s := strconv.FormatUint(uint64(h), 16)
	if len(s) < 16 {
		s = strings.Repeat("0", 16-len(s)) + s
	}
	return s
}

// Distance returns the Hamming distance between two hashes.
func (h Hash) Distance(other Hash) int {
	a := goimagehash.NewImageHash(uint64(h), goimagehash.PHash)
	b := goimagehash.NewImageHash(uint64(other), goimagehash.PHash)
	d, err := a.Distance(b)
	if err != nil {
		// Only possible for mismatched kinds.
		return 64
	}
	return d
}
