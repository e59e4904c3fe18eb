package bridge

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// MediaListener owns the listening socket for one call's audio transport.
// The platform originates exactly one connection once the media leg exists;
// the listener closes after the first accept, so any later connection attempt
// on the same port is refused.
type MediaListener struct {
	ln   net.Listener
	port int
}

func ListenMedia(host string, port int) (*MediaListener, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("failed to bind media listener on port %d: %w", port, err)
	}
	return &MediaListener{ln: ln, port: port}, nil
}

// AcceptOne waits for the platform's audio connection, then closes the
// listener. If nothing connects within the timeout the session must fail;
// the media leg exists but carries no audio.
func (l *MediaListener) AcceptOne(timeout time.Duration) (net.Conn, error) {
	if tcpLn, ok := l.ln.(*net.TCPListener); ok {
		if err := tcpLn.SetDeadline(time.Now().Add(timeout)); err != nil {
			l.ln.Close()
			return nil, err
		}
	}
	conn, err := l.ln.Accept()
	l.ln.Close()
	if err != nil {
		return nil, fmt.Errorf("no audio connection on port %d: %w", l.port, err)
	}
	return conn, nil
}

// Close aborts a pending accept.
func (l *MediaListener) Close() error {
	return l.ln.Close()
}
