// Package checksum computes MD5 digests over datasets. Row digests are
// folded with XOR so the dataset digest is independent of row order,
// which lets migration batches verify in any order.
package checksum

import (
	"crypto/md5"
	"encoding/hex"

	"github.com/sluicedev/sluice/internal/models"
)

// Row returns the MD5 digest of a single row's canonical serialization.
func Row(r models.Row) [md5.Size]byte {
	h := md5.New()
	h.Write([]byte(r.ID))
	h.Write([]byte{0})
	for _, v := range r.Values {
		if v.Valid {
			h.Write([]byte{1})
			h.Write([]byte(v.Raw))
		} else {
			h.Write([]byte{0})
		}
		h.Write([]byte{0})
	}
	var sum [md5.Size]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// Accumulator folds row digests into an order-insensitive dataset digest.
type Accumulator struct {
	fold [md5.Size]byte
	rows int64
}

// Add folds one row into the accumulator.
func (a *Accumulator) Add(r models.Row) {
	sum := Row(r)
	for i := range a.fold {
		a.fold[i] ^= sum[i]
	}
	a.rows++
}

// Rows returns the number of rows folded so far.
func (a *Accumulator) Rows() int64 { return a.rows }

// Sum returns the hex-encoded dataset digest.
func (a *Accumulator) Sum() string {
	return hex.EncodeToString(a.fold[:])
}

// Dataset computes the order-insensitive digest of a slice of rows.
func Dataset(rows []models.Row) string {
	var acc Accumulator
	for _, r := range rows {
		acc.Add(r)
	}
	return acc.Sum()
}
