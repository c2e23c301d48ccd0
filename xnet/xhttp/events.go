package xhttp

import "net/http"

// Inbound pipeline events, in wire order for one exchange: a head, zero or
// more content chunks, then a last frame. Interim 1xx responses are a head
// followed directly by a last frame.
type (
	responseHead struct {
		resp *http.Response
	}

	responseContent struct {
		data []byte
		// done hands the chunk's flow control credit back to the codec once
		// the chunk has been consumed. Safe to call more than once.
		done func()
	}

	responseLast struct {
		trailer http.Header
	}

	// connInactive means the server closed the connection before the
	// exchange completed.
	connInactive struct{}

	connError struct {
		err error
	}
)

func (ev responseContent) release() {
	if ev.done != nil {
		ev.done()
	}
}

func isInterim(status int) bool {
	return status >= 100 && status < 200 && status != http.StatusSwitchingProtocols
}
