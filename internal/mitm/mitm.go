package mitm

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"pseudonymizing-proxy/internal/logger"
)

// Serve completes a TLS handshake on conn presenting a leaf for host, then
// serves the decrypted requests with handler until the client goes away.
// conn is closed on return.
func Serve(conn net.Conn, host string, ca *CA, handler http.Handler, log *logger.Logger) {
	if log == nil {
		log = ca.log
	}
	tlsConn := tls.Server(conn, ca.TLSConfig(host))
	defer tlsConn.Close() //nolint:errcheck // connection teardown

	_ = tlsConn.SetDeadline(time.Now().Add(10 * time.Second))
	if err := tlsConn.Handshake(); err != nil {
		log.Warnf("handshake", "%s: %v", host, err)
		return
	}
	_ = tlsConn.SetDeadline(time.Time{})

	switch tlsConn.ConnectionState().NegotiatedProtocol {
	case http2.NextProtoTLS:
		log.Debugf("serve", "%s over h2", host)
		h2 := &http2.Server{
			MaxConcurrentStreams: 250,
			MaxReadFrameSize:     1 << 20,
			IdleTimeout:          90 * time.Second,
		}
		h2.ServeConn(tlsConn, &http2.ServeConnOpts{Handler: handler})
	default:
		log.Debugf("serve", "%s over http/1.1", host)
		srv := &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       90 * time.Second,
		}
		_ = srv.Serve(newConnListener(tlsConn)) // returns once the conn closes
	}
}

// connListener hands a single connection to http.Server and reports
// net.ErrClosed once that connection has been closed, so Serve returns only
// after the connection is done.
type connListener struct {
	conn   net.Conn
	once   sync.Once
	served chan struct{}
	closed chan struct{}
}

func newConnListener(c net.Conn) *connListener {
	l := &connListener{served: make(chan struct{}), closed: make(chan struct{})}
	l.conn = &trackedConn{Conn: c, onClose: func() { l.Close() }} //nolint:errcheck // always nil
	return l
}

func (l *connListener) Accept() (net.Conn, error) {
	select {
	case <-l.served:
	default:
		close(l.served)
		return l.conn, nil
	}
	<-l.closed
	return nil, net.ErrClosed
}

func (l *connListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *connListener) Addr() net.Addr { return l.conn.LocalAddr() }

type trackedConn struct {
	net.Conn
	once    sync.Once
	onClose func()
}

func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.onClose)
	return err
}
