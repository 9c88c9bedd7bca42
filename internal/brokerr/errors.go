// Package brokerr provides error handling for the broker.
//
// This package re-exports github.com/cockroachdb/errors, giving every
// internal package stack traces, wrapping, and hints without each one
// importing the cockroachdb package directly.
//
// Usage:
//
//	err := brokerr.New("worker exited before reporting ready")
//	return brokerr.Wrapf(err, "spawning namespace %q", name)
//	return brokerr.WithHint(err, "check that the tools directory is readable")
//
// brokerr errors never cross the wire to script clients directly — see
// ErrorKind in the protocol package for the closed set of kinds that do.
package brokerr

import (
	crdb "github.com/cockroachdb/errors"
)

var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

var (
	WithHint        = crdb.WithHint
	WithHintf       = crdb.WithHintf
	WithDetail      = crdb.WithDetail
	WithDetailf     = crdb.WithDetailf
	WithSafeDetails = crdb.WithSafeDetails
)

var (
	Is            = crdb.Is
	IsAny         = crdb.IsAny
	As            = crdb.As
	Unwrap        = crdb.Unwrap
	UnwrapOnce    = crdb.UnwrapOnce
	GetAllHints   = crdb.GetAllHints
	GetAllDetails = crdb.GetAllDetails
)
