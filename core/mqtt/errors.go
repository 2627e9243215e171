package mqtt

import "errors"

// ErrTransportDisconnected is reported when the broker connection drops.
// The client reconnects on its own; messages published meanwhile are lost.
var ErrTransportDisconnected = errors.New("mqtt transport disconnected")
