package ccbus

import (
	"io"
	"time"
)

// Bus is the minimal operation set required of a bytestream endpoint
// carrying a ccTalk bus: connect, full-duplex read/write, close. A real
// deployment opens a local serial device (see OpenSerial); tests and the
// in-process simulator use an in-memory duplex pipe.
type Bus interface {
	io.ReadWriter
	io.Closer
	// SetReadDeadline bounds the next Read call the way net.Conn does.
	SetReadDeadline(t time.Time) error
}
