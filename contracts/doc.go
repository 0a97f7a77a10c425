// Package contracts defines the message shapes and error taxonomy shared by the
// caller and the worker side of mmate-rpc.
//
// Commands and queries embed BaseCommand or BaseQuery, which carry the
// caller-assigned identifier used as the idempotency key:
//
//	type CreateOrder struct {
//		contracts.BaseCommand
//		SKU      string `json:"sku"`
//		Quantity int    `json:"quantity"`
//	}
//
//	cmd := CreateOrder{BaseCommand: contracts.NewBaseCommand(), SKU: "A-1", Quantity: 2}
//
// Errors crossing component boundaries are one of TimeoutError, ProtocolError,
// TransportError or StorageUnavailableError. Each matches its sentinel with
// errors.Is, so callers can branch without type assertions:
//
//	if errors.Is(err, contracts.ErrTimeout) {
//		// retry with a fresh call
//	}
//
// Domain failures (for example "insufficient stock") are never errors here; they
// travel inside the reply payload.
package contracts
