// Package protocol owns the nREPL message model.
//
// Ownership boundary:
// - typed Message view over bencode maps
// - reserved field vocabulary and kind checks
// - request/response builders and status tokens
// - protocol-level error taxonomy shared by the role drivers
//
// Wire encoding lives in protocol/bencode, stream framing in protocol/frame,
// session state in protocol/session and request correlation in protocol/correlate.
package protocol
