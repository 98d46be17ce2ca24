package domain

import "errors"

// Lifecycle and catalog error kinds. Callers match them with errors.Is.
var (
	ErrScopeNotFound       = errors.New("catalog: scope not found")
	ErrVersionNotFound     = errors.New("catalog: version not found")
	ErrInvalidTarget       = errors.New("catalog: invalid rollback target")
	ErrConflictingWrite    = errors.New("catalog: conflicting write")
	ErrProviderUnavailable = errors.New("catalog: provider unavailable")
	ErrMalformedRecord     = errors.New("catalog: malformed record")
	ErrInvalidInput        = errors.New("catalog: invalid input")
	ErrNotFound            = errors.New("catalog: not found")
)

// CodeInternal is reported for errors outside the catalog taxonomy.
const CodeInternal = "INTERNAL"

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrScopeNotFound, "SCOPE_NOT_FOUND"},
	{ErrVersionNotFound, "VERSION_NOT_FOUND"},
	{ErrInvalidTarget, "INVALID_TARGET"},
	{ErrConflictingWrite, "CONFLICTING_WRITE"},
	{ErrProviderUnavailable, "PROVIDER_UNAVAILABLE"},
	{ErrMalformedRecord, "MALFORMED_RECORD"},
	{ErrInvalidInput, "INVALID_INPUT"},
	{ErrNotFound, "NOT_FOUND"},
}

// ErrorCode returns a stable machine readable code for err.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// ErrorForCode is the inverse of ErrorCode. It returns nil for unknown codes.
func ErrorForCode(code string) error {
	for _, c := range errorCodes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}
