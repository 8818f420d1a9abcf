// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package particles holds the structured representation of a population of particles, and the codec to
// convert it to (and from) a flat particle-by-parameter matrix.
//
// A particle set maps named parameter slots (e.g. the weights of a model) to the values each particle
// takes for that slot. The kernel and the optimizers operate on the flat representation: a matrix with
// one row per particle and one column per scalar parameter. The conversion back uses a Layout saved
// during the flattening.
package particles

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"

	"github.com/gomlx/stein/pkg/core/errs"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Slot identifies one named parameter of the model, with its per-particle shape.
//
// An empty Shape is a scalar parameter.
type Slot struct {
	Name  string
	Shape []int
}

// Size returns the number of scalar values of the slot, for one particle.
func (s Slot) Size() int {
	size := 1
	for _, dim := range s.Shape {
		size *= dim
	}
	return size
}

// String implements fmt.Stringer.
func (s Slot) String() string {
	parts := make([]string, len(s.Shape))
	for i, dim := range s.Shape {
		parts[i] = fmt.Sprintf("%d", dim)
	}
	return fmt.Sprintf("%s[%s]", s.Name, strings.Join(parts, " "))
}

// Equal returns whether both slots have the same name and shape.
func (s Slot) Equal(other Slot) bool {
	return s.Name == other.Name && slices.Equal(s.Shape, other.Shape)
}

func (s Slot) validate() error {
	if s.Name == "" {
		return errs.Shapef("slot name cannot be empty")
	}
	for axis, dim := range s.Shape {
		if dim <= 0 {
			return errs.Shapef("slot %s has invalid dimension %d on axis %d", s, dim, axis)
		}
	}
	return nil
}

// Params binds every slot name to the values of a single particle (row-major over the slot shape).
//
// It is what gets passed to a gradient oracle, and also the format oracles return gradients in.
type Params map[string][]float64

// Set is a population of particles, stored as a struct-of-arrays: for each slot, a matrix
// shaped [numParticles, slot.Size()].
//
// The order of the slots is fixed at creation and defines the Layout of the flat representation.
type Set struct {
	numParticles int
	slots        []Slot
	values       []*mat.Dense
}

// NewSet creates a particle set from the given slots and their values.
//
// values[i] must be shaped [numParticles, slots[i].Size()]. The matrices are owned by the Set afterwards.
func NewSet(slots []Slot, values []*mat.Dense) (*Set, error) {
	if len(slots) == 0 {
		return nil, errs.Shapef("particle set requires at least one slot")
	}
	if len(slots) != len(values) {
		return nil, errs.Shapef("got %d slots but %d value matrices", len(slots), len(values))
	}
	seen := make(map[string]struct{}, len(slots))
	numParticles := -1
	for i, slot := range slots {
		if err := slot.validate(); err != nil {
			return nil, err
		}
		if _, found := seen[slot.Name]; found {
			return nil, errs.Shapef("slot name %q is duplicated", slot.Name)
		}
		seen[slot.Name] = struct{}{}
		if values[i] == nil {
			return nil, errs.Shapef("missing values for slot %s", slot)
		}
		rows, cols := values[i].Dims()
		if cols != slot.Size() {
			return nil, errs.Shapef("values for slot %s have %d columns, wanted %d", slot, cols, slot.Size())
		}
		if numParticles < 0 {
			numParticles = rows
		} else if rows != numParticles {
			return nil, errs.Shapef("values for slot %s have %d particles, but previous slots have %d",
				slot, rows, numParticles)
		}
	}
	s := &Set{
		numParticles: numParticles,
		slots:        make([]Slot, len(slots)),
		values:       values,
	}
	for i, slot := range slots {
		s.slots[i] = Slot{Name: slot.Name, Shape: slices.Clone(slot.Shape)}
	}
	return s, nil
}

// NewStandardNormal creates a particle set with every value drawn from a standard normal distribution.
//
// If src is nil, the global random source is used.
func NewStandardNormal(numParticles int, slots []Slot, src rand.Source) (*Set, error) {
	if numParticles < 1 {
		return nil, errs.Inputf("number of particles must be >= 1, got %d", numParticles)
	}
	normal := distuv.Normal{Mu: 0, Sigma: 1, Src: src}
	values := make([]*mat.Dense, len(slots))
	for i, slot := range slots {
		if err := slot.validate(); err != nil {
			return nil, err
		}
		data := make([]float64, numParticles*slot.Size())
		for j := range data {
			data[j] = normal.Rand()
		}
		values[i] = mat.NewDense(numParticles, slot.Size(), data)
	}
	return NewSet(slots, values)
}

// NumParticles in the set.
func (s *Set) NumParticles() int { return s.numParticles }

// NumSlots in the set.
func (s *Set) NumSlots() int { return len(s.slots) }

// Slots returns a copy of the slots, in order.
func (s *Set) Slots() []Slot {
	slots := make([]Slot, len(s.slots))
	for i, slot := range s.slots {
		slots[i] = Slot{Name: slot.Name, Shape: slices.Clone(slot.Shape)}
	}
	return slots
}

// Values returns the matrix [numParticles, slot.Size()] for the slot with the given name, or nil if not found.
//
// The matrix is owned by the Set: modifying it modifies the particles.
func (s *Set) Values(name string) *mat.Dense {
	for i, slot := range s.slots {
		if slot.Name == name {
			return s.values[i]
		}
	}
	return nil
}

// Params returns a copy of the values of the given particle, for every slot.
func (s *Set) Params(particle int) Params {
	p := make(Params, len(s.slots))
	for i, slot := range s.slots {
		p[slot.Name] = slices.Clone(s.values[i].RawRowView(particle))
	}
	return p
}

// Slice returns a new set with a copy of the particles in the range [from, to).
func (s *Set) Slice(from, to int) (*Set, error) {
	if from < 0 || to > s.numParticles || from >= to {
		return nil, errs.Inputf("invalid particles range [%d, %d) for a set of %d particles", from, to, s.numParticles)
	}
	values := make([]*mat.Dense, len(s.slots))
	for i := range s.slots {
		values[i] = mat.DenseCopyOf(s.values[i].Slice(from, to, 0, s.slots[i].Size()))
	}
	return NewSet(s.slots, values)
}

// Clone returns a deep copy of the set.
func (s *Set) Clone() *Set {
	values := make([]*mat.Dense, len(s.values))
	for i, v := range s.values {
		values[i] = mat.DenseCopyOf(v)
	}
	return &Set{
		numParticles: s.numParticles,
		slots:        s.Slots(),
		values:       values,
	}
}

// Equal returns whether both sets have the same layout and exactly the same values.
func (s *Set) Equal(other *Set) bool {
	if s.numParticles != other.numParticles || len(s.slots) != len(other.slots) {
		return false
	}
	for i := range s.slots {
		if !s.slots[i].Equal(other.slots[i]) || !mat.Equal(s.values[i], other.values[i]) {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer.
func (s *Set) String() string {
	parts := make([]string, len(s.slots))
	for i, slot := range s.slots {
		parts[i] = slot.String()
	}
	return fmt.Sprintf("Set(%d particles: %s)", s.numParticles, strings.Join(parts, ", "))
}

// Assign copies the values of other into s, in place. Both sets must have the same slots and number of particles.
func (s *Set) Assign(other *Set) error {
	if s.numParticles != other.numParticles || len(s.slots) != len(other.slots) {
		return errs.Shapef("cannot assign %s to %s", other, s)
	}
	for i := range s.slots {
		if !s.slots[i].Equal(other.slots[i]) {
			return errs.Shapef("cannot assign %s to %s: slot %d differs", other, s, i)
		}
	}
	for i := range s.values {
		s.values[i].Copy(other.values[i])
	}
	return nil
}
