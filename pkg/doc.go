// Package pkg provides shared utilities for the softxhci host-controller driver.
//
// This package contains common functionality used across the ring, event,
// slot and transfer layers, including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel error types grouped into transient, protocol, timeout and
//     resource classes
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with driver context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentSlot, "slot addressed", "slot", 3, "address", 5)
//
// # Errors
//
// Errors are defined as sentinel values and classified with [Classify]:
//
//	if pkg.IsTransient(err) {
//	    // Ring full: back off and resubmit
//	}
package pkg
