package ledger

import (
	"fmt"

	"go.jetify.com/typeid/v2"
)

// ID prefixes. IDs are K-sortable TypeIDs such as "ent_01h455vb4pex5vsknk084sn02q".
const (
	PrefixToken        = "tok"
	PrefixEntry        = "ent"
	PrefixDistribution = "dist"
	PrefixClaim        = "clm"
	PrefixJob          = "job"
)

// NewID generates an ID with prefix. It panics on an invalid prefix.
func NewID(prefix string) string {
	tid, err := typeid.Generate(prefix)
	if err != nil {
		panic(fmt.Sprintf("ledger: invalid id prefix %q: %v", prefix, err))
	}
	return tid.String()
}

// CheckID validates s as a TypeID with the expected prefix.
func CheckID(s, prefix string) error {
	tid, err := typeid.Parse(s)
	if err != nil {
		return fmt.Errorf("%w: %q: %w", ErrInvalidID, s, err)
	}
	if tid.Prefix() != prefix {
		return fmt.Errorf("%w: %q has prefix %q, want %q", ErrInvalidID, s, tid.Prefix(), prefix)
	}
	return nil
}
