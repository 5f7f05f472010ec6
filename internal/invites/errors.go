package invites

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrForbidden = errors.New("invites: missing permission to list invites")
	ErrNotFound  = errors.New("invites: guild not found")
	ErrTimeout   = errors.New("invites: invite listing timed out")
	ErrFetch     = errors.New("invites: invite listing failed")
	ErrAmbiguous = errors.New("invites: ambiguous attribution")
	ErrClosed    = errors.New("invites: coordinator closed")
)

// FetchError is a failed invite listing for one guild. Kind is one of
// ErrForbidden, ErrNotFound, ErrTimeout or ErrFetch.
type FetchError struct {
	GuildID string
	Kind    error
	Err     error
}

func (e *FetchError) Error() string {
	if e.Err == nil || errors.Is(e.Err, e.Kind) {
		return fmt.Sprintf("guild %s: %v", e.GuildID, e.kindOrErr())
	}
	return fmt.Sprintf("guild %s: %v: %v", e.GuildID, e.Kind, e.Err)
}

func (e *FetchError) kindOrErr() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

func (e *FetchError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func classifyFetchError(guildID string, err error) *FetchError {
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		return fetchErr
	}
	kind := ErrFetch
	switch {
	case errors.Is(err, ErrForbidden):
		kind = ErrForbidden
	case errors.Is(err, ErrNotFound):
		kind = ErrNotFound
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		kind = ErrTimeout
	}
	return &FetchError{GuildID: guildID, Kind: kind, Err: err}
}

func fetchReason(err *FetchError) string {
	switch err.Kind {
	case ErrForbidden:
		return "forbidden"
	case ErrNotFound:
		return "not_found"
	case ErrTimeout:
		return "timeout"
	default:
		return "error"
	}
}
