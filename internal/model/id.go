package model

import "strings"

// CheckID validates a run or phase identifier. Identifiers become path
// segments of storage keys, so '/' and whitespace are rejected.
func CheckID(kind, id string) error {
	switch {
	case id == "":
		return NewConfigError("%s id is required", kind)
	case strings.ContainsAny(id, "/ \t\r\n"):
		return NewConfigError("%s id %q may not contain '/' or whitespace", kind, id)
	}
	return nil
}
