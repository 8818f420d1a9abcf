// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package errs defines the kinds of failures reported by the samplers.
//
// Errors are created at the detection site by wrapping one of the sentinel values below
// with github.com/pkg/errors (errors.Wrapf(errs.ErrShape, ...)), and callers check the kind
// with errors.Is. All kinds are fatal to the worker that detects them: nothing is retried.
package errs

import "github.com/pkg/errors"

var (
	// ErrConfiguration is returned when the sampler construction parameters are inconsistent,
	// e.g.: the number of particles is not divisible by the number of workers.
	ErrConfiguration = errors.New("configuration error")

	// ErrShape is returned when a matrix doesn't match the shape of the particles it refers to,
	// or when workers disagree on the particles layout.
	ErrShape = errors.New("shape error")

	// ErrInput is returned for invalid numeric input: an empty particle set or non-finite values.
	ErrInput = errors.New("input error")
)

// Configurationf returns an ErrConfiguration with the formatted message.
func Configurationf(format string, args ...any) error {
	return errors.Wrapf(ErrConfiguration, format, args...)
}

// Shapef returns an ErrShape with the formatted message.
func Shapef(format string, args ...any) error {
	return errors.Wrapf(ErrShape, format, args...)
}

// Inputf returns an ErrInput with the formatted message.
func Inputf(format string, args ...any) error {
	return errors.Wrapf(ErrInput, format, args...)
}
