// Package types provides shared data structures for the simulation backend.
//
// Core Types:
//   - Identity: Opaque user identifier issued by the credential store
//   - Subject: Enumerated simulation subject area
//   - Artifact: Generated markup + script bundle for one request
//
// These types cross package boundaries (session, quota, generation,
// sandbox, simulation) and therefore live here rather than in any single
// owning component.
package types
