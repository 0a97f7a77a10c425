package contracts

import (
	"github.com/google/uuid"
)

// Identified is implemented by every command and query envelope.
type Identified interface {
	MessageID() uuid.UUID
}

// BaseCommand carries the identifier of a write request
type BaseCommand struct {
	CommandID uuid.UUID `json:"CommandId"`
}

// NewBaseCommand returns a BaseCommand with a fresh random identifier
func NewBaseCommand() BaseCommand {
	return BaseCommand{CommandID: uuid.New()}
}

// MessageID implements Identified
func (c BaseCommand) MessageID() uuid.UUID {
	return c.CommandID
}

// BaseQuery carries the identifier of a read request
type BaseQuery struct {
	QueryID uuid.UUID `json:"QueryId"`
}

// NewBaseQuery returns a BaseQuery with a fresh random identifier
func NewBaseQuery() BaseQuery {
	return BaseQuery{QueryID: uuid.New()}
}

// MessageID implements Identified
func (q BaseQuery) MessageID() uuid.UUID {
	return q.QueryID
}

// HasValidID reports whether msg carries a non-nil identifier. Values that do
// not implement Identified are accepted as-is.
func HasValidID(msg any) bool {
	id, ok := msg.(Identified)
	if !ok {
		return true
	}
	return id.MessageID() != uuid.Nil
}
