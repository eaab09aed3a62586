// Package logx is wabatch's structured logging layer over zerolog.
//
// Components take a Logger value and derive per-component loggers with
// With(String("comp", ...)). The Service behind the root logger owns the
// console and file sinks, and Apply swaps them on config reload without
// re-wiring any component.
package logx
