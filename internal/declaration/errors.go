package declaration

import (
	"fmt"
	"strings"
)

// SchemaError reports a declaration whose shape does not match its variant
// schema. Owner names the offending declaration, Field the offending field.
type SchemaError struct {
	Owner  string
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("declaration %q: field %q: %s", e.Owner, e.Field, e.Reason)
}

// DuplicateTapError reports a tap index claimed by more than one
// declaration within a single run.
type DuplicateTapError struct {
	TapNum int
	Owners []string
}

func (e *DuplicateTapError) Error() string {
	return fmt.Sprintf("tap %d declared more than once (by %s)",
		e.TapNum, strings.Join(e.Owners, ", "))
}
