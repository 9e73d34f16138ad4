package plugin

import "errors"

var (
	// ErrMissingCredential is returned when a run needs a cookie, token or
	// password the config does not have.
	ErrMissingCredential = errors.New("missing credential")
	// ErrCookieExpired is returned when a site no longer accepts the
	// configured session.
	ErrCookieExpired = errors.New("cookie expired")
	// ErrBadCommand is returned by Commander plugins for arguments they
	// cannot parse.
	ErrBadCommand = errors.New("bad command")
)
