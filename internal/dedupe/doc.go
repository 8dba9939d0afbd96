// Package dedupe provides an idempotency-key cache so a retried add request
// returns the instrument created by the first attempt instead of creating a
// second one within a configurable window.
package dedupe
