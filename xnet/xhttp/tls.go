package xhttp

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"golang.org/x/net/idna"

	"github.com/josephcopenhaver/go-exp-pooled-http-client/xnet/xpipe"
	"github.com/josephcopenhaver/go-exp-pooled-http-client/xnet/xpool"
)

// tlsStage is added once per physical connection and stays for its whole
// life, so connections reused from the pool skip the handshake.
type tlsStage struct {
	done chan struct{}
	err  error
}

func serverName(host string) string {
	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		return ascii
	}

	return host
}

func newTLSConfig(base *tls.Config, host string) *tls.Config {
	var conf *tls.Config
	if base == nil {
		conf = &tls.Config{MinVersion: tls.VersionTLS12}
	} else {
		conf = base.Clone()
	}

	conf.ServerName = serverName(host)

	return conf
}

// newTLSStage upgrades conn to TLS and starts the handshake in the
// background. It must be called before anything reads from conn.
func newTLSStage(conn *xpool.Conn, base *tls.Config, timeout time.Duration) *tlsStage {
	s := &tlsStage{done: make(chan struct{})}

	var tlsConn *tls.Conn
	conn.Upgrade(func(c net.Conn) net.Conn {
		tlsConn = tls.Client(c, newTLSConfig(base, conn.Key().Host))
		return tlsConn
	})

	go func() {
		defer close(s.done)

		ctx := context.Background()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		s.err = tlsConn.HandshakeContext(ctx)
	}()

	return s
}

func (s *tlsStage) HandleEvent(ctx *xpipe.Context, ev any) {
	ctx.FireNext(ev)
}

// handshake yields the handshake outcome once it is known.
func (s *tlsStage) handshake() <-chan error {
	ch := make(chan error, 1)

	select {
	case <-s.done:
		ch <- s.err
		return ch
	default:
	}

	go func() {
		<-s.done
		ch <- s.err
	}()

	return ch
}

func noHandshake() <-chan error {
	ch := make(chan error, 1)
	ch <- nil
	return ch
}
