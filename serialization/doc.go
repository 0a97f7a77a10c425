// Package serialization provides the payload codec shared by callers and
// workers. Decode is generic over the target shape and reports undecodable
// input as a contracts.ProtocolError.
package serialization
