// Package correlate matches streamed responses to the request that caused them.
//
// Ownership boundary:
// - the id -> pending request table for one connection
// - per-request receivers with unbounded queues
// - terminal detection and mass abandon on connection loss
package correlate
