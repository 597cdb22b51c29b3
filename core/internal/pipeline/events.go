package pipeline

import "net"

// Exchange directions.
const (
	DirUp   = "up"   // toward the destination
	DirDown = "down" // toward the client
)

// EventLogger receives session events. addr is the peer of the accepted
// connection, id the session ID.
type EventLogger interface {
	Connect(addr net.Addr, id, kind, reqAddr string)
	Exchange(addr net.Addr, id, dir string, n int)
	Close(addr net.Addr, id, reqAddr string, err error)
}

type nopEventLogger struct{}

func (nopEventLogger) Connect(net.Addr, string, string, string) {}
func (nopEventLogger) Exchange(net.Addr, string, string, int) {}
func (nopEventLogger) Close(net.Addr, string, string, error) {}
