package internal

import (
	"errors"
	"net"
	"syscall"
)

var (
	ErrNotSyscallConn  = errors.New("net.Conn instance does not implement syscall.Conn")
	ErrSyscallConnCall = errors.New("SyscallConn call error")
	ErrRawConnRead     = errors.New("syscall.RawConn.Read failed")
	ErrPeerClosed      = errors.New("connection closed by peer")
	ErrUnsolicitedData = errors.New("unsolicited data waiting on idle connection")
)

var peekBuf = []byte{0}

// Probe reports why an idle pooled connection can no longer carry a new
// request, or nil if it still can.
//
// It uses a non-blocking MSG_PEEK on the raw socket so no data is consumed.
// An idle HTTP/1.1 connection must have no pending bytes: a readable byte
// means the server sent something nobody asked for, and a zero length read
// means the server closed its side.
//
// Connections that do not expose a file descriptor (net.Pipe, custom test
// transports) report ErrNotSyscallConn; callers decide whether that is fatal.
//
// See https://stackoverflow.com/a/58664631/3200607
func Probe(conn net.Conn) error {

	// supports getting passed a *tls.Conn or similar
	for {
		v, ok := conn.(interface{ NetConn() net.Conn })
		if !ok {
			break
		}
		conn = v.NetConn()
	}

	sconn, ok := conn.(syscall.Conn)
	if !ok {
		return ErrNotSyscallConn
	}

	rc, err := sconn.SyscallConn()
	if err != nil {
		return errors.Join(ErrSyscallConnCall, err)
	}

	var result error
	err = rc.Read(func(fd uintptr) bool {
		n, _, err := syscall.Recvfrom(int(fd), peekBuf, syscall.MSG_PEEK|syscall.MSG_DONTWAIT)

		switch {
		case err == nil && n != 0:
			result = ErrUnsolicitedData
		case err == nil:
			// equiv to io.EOF
			result = ErrPeerClosed
		case err == syscall.EWOULDBLOCK || err == syscall.EAGAIN:
			// still connected, just nothing to read
		default:
			result = err
		}

		return true
	})
	if err != nil {
		return errors.Join(ErrRawConnRead, err)
	}

	return result
}
