// Package service is the per-developer entry point to the live instrument
// controller.
//
// Every method reads the caller from the request context (see
// auth.FromContext) and fails with ErrMissingIdentity when there is none.
// Authorization beyond "who is calling" happens in front of this layer; the
// only check made here is that clearing another developer's instruments
// requires the admin role.
//
// Batch adds run as sequential single adds under the same identity. A
// failure partway through does not undo earlier successes; each item gets
// its own result.
//
// Apply-immediately adds are bounded by Config.ApplyTimeout unless the
// caller's context already carries a deadline.
package service
