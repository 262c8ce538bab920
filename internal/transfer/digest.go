package transfer

import (
	"crypto/md5"
	"encoding/hex"
	"hash"
)

// Digest accumulates an MD5 checksum over content frames in order.
// Digest resets the accumulator, so use one Digest per file.
type Digest struct {
	h hash.Hash
}

// NewDigest returns an empty accumulator.
func NewDigest() *Digest {
	return &Digest{h: md5.New()}
}

// Add feeds p into the checksum.
func (d *Digest) Add(p []byte) {
	d.h.Write(p)
}

// Digest returns the lowercase hex checksum of everything added so far
// and resets the accumulator.
func (d *Digest) Digest() string {
	sum := hex.EncodeToString(d.h.Sum(nil))
	d.h.Reset()
	return sum
}

// Checksum returns the hex MD5 of p.
func Checksum(p []byte) string {
	sum := md5.Sum(p)
	return hex.EncodeToString(sum[:])
}
