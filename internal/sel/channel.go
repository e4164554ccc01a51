package sel

import (
	"time"

	"github.com/mytestbed/oml-go/internal/socket"
)

// Status is the category of a status callback delivery.
type Status int

const (
	StatusWriteable Status = iota
	StatusConnClosed
	StatusConnRefused
	StatusDropped
	StatusIdle
	StatusUnknown
)

func (s Status) String() string {
	switch s {
	case StatusWriteable:
		return "WRITEABLE"
	case StatusConnClosed:
		return "CONN_CLOSED"
	case StatusConnRefused:
		return "CONN_REFUSED"
	case StatusDropped:
		return "DROPPED"
	case StatusIdle:
		return "IDLE"
	default:
		return "UNKNOWN"
	}
}

// ReadCallback delivers bytes read from a channel. data is only valid for
// the duration of the call.
type ReadCallback func(source *Channel, handle any, data []byte)

// MonitorCallback signals read-readiness without consuming bytes; the
// caller performs its own read.
type MonitorCallback func(source *Channel, handle any)

// StatusCallback delivers a channel lifecycle event. err carries the errno
// equivalent when one is available (nil otherwise).
type StatusCallback func(source *Channel, status Status, err error, handle any)

// Channel is one registered descriptor: a Socket (or fd 0 for stdin) bound
// to its callbacks. A Loop holds its channels in a plain slice — channel
// counts here are small, and the dirty-rebuild in loop.go stays
// straightforward without hand-rolled list surgery.
type Channel struct {
	name string
	sock socket.Socket // nil for the stdin channel
	fd   int

	isActive       bool
	isShuttingDown bool
	isRemovable    bool

	readCb    ReadCallback
	monitorCb MonitorCallback
	statusCb  StatusCallback
	handle    any

	wantWrite  bool // registered via OnOutChannel: poll for writability, not readability
	tracksIdle bool // sock != nil: last_activity participates in idle reap

	lastActivity time.Time
}

// Name returns the channel's registration label, used in log lines.
func (c *Channel) Name() string { return c.name }

// Socket returns the underlying Socket, or nil for the stdin channel.
func (c *Channel) Socket() socket.Socket { return c.sock }

// IsActive reports whether the channel currently participates in polling.
func (c *Channel) IsActive() bool { return c.isActive }
