// Package sandbox runs generated simulation artifacts in isolation.
//
// Every Render builds a fresh Instance: a private goja runtime, a DOM parsed
// from sanitized markup, and an event loop goroutine that alone touches the
// runtime. Scripts see a small browser surface (window, document, console,
// timers, requestAnimationFrame and a recording 2D canvas context) and
// nothing from the host.
//
// Lifecycle:
//   - Render tears down the mounted instance synchronously, then mounts
//   - The script runs on the loop once the DOM is attached
//   - Uncaught exceptions, budget overruns and shim panics replace the
//     container with an error block and cancel the instance's handles
//   - Close tears down and rejects further renders
//
// BuildDocument produces the equivalent standalone page for a browser frame,
// served with DocumentCSP.
package sandbox
