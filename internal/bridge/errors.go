package bridge

import "errors"

// ErrNotReady is returned when a send is attempted without an open
// transport session. It goes back to the caller; nothing else does.
var ErrNotReady = errors.New("whatsapp session not open")

// ErrLoggedOut is returned by Connect after a terminal logout; the session
// needs an operator-initiated re-pairing before it can come back.
var ErrLoggedOut = errors.New("whatsapp session logged out, re-pair with 'wabridge link'")
