package sigscan

import (
	"errors"
	"fmt"
)

// ErrTxn is returned by TxnPolicy when a count expectation is not met. It
// carries no payload; callers use it to fall through to the next candidate
// signature.
var ErrTxn = errors.New("sigscan: match count expectation failed")

// Policy decides what a failed count expectation does.
type Policy interface {
	// CountMismatch is called when a pattern expected want matches and found
	// got. The returned error is handed back to the caller of Count.
	CountMismatch(text string, want, got int) error
}

// AssertPolicy panics on a failed count expectation. It is the default.
type AssertPolicy struct{}

// CountMismatch panics with a message naming the pattern and both counts.
func (AssertPolicy) CountMismatch(text string, want, got int) error {
	panic(fmt.Sprintf("sigscan: expected %d matches, got %d for pattern %q", want, got, text))
}

// TxnPolicy reports a failed count expectation as ErrTxn.
type TxnPolicy struct{}

// CountMismatch returns ErrTxn.
func (TxnPolicy) CountMismatch(string, int, int) error {
	return ErrTxn
}
