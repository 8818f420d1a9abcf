// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package particles

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/stein/pkg/core/errs"
	"gonum.org/v1/gonum/mat"
)

// LayoutEntry records where one slot lives within a flat per-particle parameter vector.
type LayoutEntry struct {
	Slot   Slot
	Offset int
	Size   int
}

// Layout describes how to fold a flat particle-by-parameter matrix back into a particle Set.
//
// It is derived by Encode and is a plain slice, so it can be transmitted between workers.
type Layout []LayoutEntry

// NewLayout returns the layout of the slots, in the order given.
func NewLayout(slots []Slot) Layout {
	layout := make(Layout, len(slots))
	offset := 0
	for i, slot := range slots {
		size := slot.Size()
		layout[i] = LayoutEntry{
			Slot:   Slot{Name: slot.Name, Shape: slices.Clone(slot.Shape)},
			Offset: offset,
			Size:   size,
		}
		offset += size
	}
	return layout
}

// Width is the total number of scalar parameters per particle (n_params).
func (l Layout) Width() int {
	if len(l) == 0 {
		return 0
	}
	last := l[len(l)-1]
	return last.Offset + last.Size
}

// Slots returns the slots of the layout, in order.
func (l Layout) Slots() []Slot {
	slots := make([]Slot, len(l))
	for i, entry := range l {
		slots[i] = Slot{Name: entry.Slot.Name, Shape: slices.Clone(entry.Slot.Shape)}
	}
	return slots
}

// Equal returns whether both layouts describe the same slots, shapes and offsets.
func (l Layout) Equal(other Layout) bool {
	if len(l) != len(other) {
		return false
	}
	for i := range l {
		if !l[i].Slot.Equal(other[i].Slot) || l[i].Offset != other[i].Offset || l[i].Size != other[i].Size {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer. It is also used as a compact fingerprint in log messages.
func (l Layout) String() string {
	parts := make([]string, len(l))
	for i, entry := range l {
		parts[i] = fmt.Sprintf("%s@%d", entry.Slot, entry.Offset)
	}
	return fmt.Sprintf("Layout(width=%d: %s)", l.Width(), strings.Join(parts, ", "))
}

// Encode flattens the particle set into a [numParticles, n_params] matrix, and returns the
// layout needed to decode it.
//
// The returned matrix is a copy: changing it doesn't affect the set.
func Encode(s *Set) (*mat.Dense, Layout, error) {
	if s == nil || s.numParticles < 1 {
		return nil, nil, errs.Inputf("cannot encode an empty particle set")
	}
	layout := NewLayout(s.slots)
	flat := mat.NewDense(s.numParticles, layout.Width(), nil)
	for i, entry := range layout {
		block := flat.Slice(0, s.numParticles, entry.Offset, entry.Offset+entry.Size).(*mat.Dense)
		block.Copy(s.values[i])
	}
	return flat, layout, nil
}

// Decode builds a particle Set from the flat matrix, one particle per row.
//
// The number of particles is given by the number of rows, so the same layout decodes blocks of any
// size. The values are copied.
func (l Layout) Decode(flat mat.Matrix) (*Set, error) {
	if len(l) == 0 {
		return nil, errs.Shapef("cannot decode with an empty layout")
	}
	rows, cols := flat.Dims()
	if cols != l.Width() {
		return nil, errs.Shapef("flat particles matrix has %d columns, but layout %s requires %d",
			cols, l, l.Width())
	}
	values := make([]*mat.Dense, len(l))
	slots := make([]Slot, len(l))
	for i, entry := range l {
		slots[i] = entry.Slot
		values[i] = mat.NewDense(rows, entry.Size, nil)
		values[i].Copy(sliceColumns(flat, entry.Offset, entry.Offset+entry.Size))
	}
	return NewSet(slots, values)
}

// Params unpacks one flat row into per-slot values. The values are copied.
func (l Layout) Params(row []float64) (Params, error) {
	if len(row) != l.Width() {
		return nil, errs.Shapef("row has %d values, but layout %s requires %d", len(row), l, l.Width())
	}
	p := make(Params, len(l))
	for _, entry := range l {
		p[entry.Slot.Name] = slices.Clone(row[entry.Offset : entry.Offset+entry.Size])
	}
	return p, nil
}

// Flatten packs per-slot values into the row, following the layout.
//
// Every slot in the layout must be present in p with the correct size. Extra entries are an error,
// since they usually indicate an oracle differentiating with respect to the wrong parameters.
func (l Layout) Flatten(p Params, row []float64) error {
	if len(row) != l.Width() {
		return errs.Shapef("row has %d values, but layout %s requires %d", len(row), l, l.Width())
	}
	if len(p) != len(l) {
		return errs.Shapef("got values for %d slots, but layout %s has %d slots", len(p), l, len(l))
	}
	for _, entry := range l {
		values, found := p[entry.Slot.Name]
		if !found {
			return errs.Shapef("missing values for slot %s", entry.Slot)
		}
		if len(values) != entry.Size {
			return errs.Shapef("slot %s got %d values, wanted %d", entry.Slot, len(values), entry.Size)
		}
		copy(row[entry.Offset:entry.Offset+entry.Size], values)
	}
	return nil
}

// sliceColumns returns a view of the columns [from, to) of m.
func sliceColumns(m mat.Matrix, from, to int) mat.Matrix {
	rows, _ := m.Dims()
	if s, ok := m.(interface {
		Slice(i, k, j, l int) mat.Matrix
	}); ok {
		return s.Slice(0, rows, from, to)
	}
	return mat.DenseCopyOf(m).Slice(0, rows, from, to)
}
