package metapb

import "fmt"

// OpID identifies a single log entry by the pair of the term in which
// it was proposed and its position in the log.
type OpID struct {
	Term  int64 `json:"term"`
	Index int64 `json:"index"`
}

// EmptyOpID is the zero OpID, used before any entry is known.
var EmptyOpID = OpID{}

// IsEmptyOpID returns true if the given OpID is the zero value.
func IsEmptyOpID(id OpID) bool {
	return id == EmptyOpID
}

func (id OpID) String() string {
	return fmt.Sprintf("%d.%d", id.Term, id.Index)
}
