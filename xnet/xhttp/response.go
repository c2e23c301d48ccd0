package xhttp

import (
	"io"
	"mime"
	"net/http"
	"sync"
)

// ReceivedResponse is a fully read response. It must be treated as
// immutable.
type ReceivedResponse struct {
	status     int
	statusText string
	proto      string
	header     http.Header
	trailer    http.Header
	body       []byte
}

func newReceivedResponse(resp *http.Response, body []byte, trailer http.Header) *ReceivedResponse {
	if body == nil {
		body = []byte{}
	}

	return &ReceivedResponse{
		status:     resp.StatusCode,
		statusText: resp.Status,
		proto:      resp.Proto,
		header:     resp.Header,
		trailer:    trailer,
		body:       body,
	}
}

func (r *ReceivedResponse) StatusCode() int {
	return r.status
}

// Status is the status line text, such as "200 OK".
func (r *ReceivedResponse) Status() string {
	return r.statusText
}

func (r *ReceivedResponse) Proto() string {
	return r.proto
}

func (r *ReceivedResponse) Header() http.Header {
	return r.header
}

func (r *ReceivedResponse) Trailer() http.Header {
	return r.trailer
}

func (r *ReceivedResponse) Body() []byte {
	return r.body
}

func (r *ReceivedResponse) Text() string {
	return string(r.body)
}

// ContentType returns the media type of the Content-Type header without
// parameters, or "" when absent or malformed.
func (r *ReceivedResponse) ContentType() string {
	v := r.header.Get("Content-Type")
	if v == "" {
		return ""
	}

	mt, _, err := mime.ParseMediaType(v)
	if err != nil {
		return ""
	}

	return mt
}

// StreamedResponse is delivered as soon as the response head arrives. The
// caller must read Body to EOF or close it; closing early discards the
// connection.
type StreamedResponse struct {
	status     int
	statusText string
	proto      string
	header     http.Header
	Body       io.ReadCloser
}

func (r *StreamedResponse) StatusCode() int {
	return r.status
}

func (r *StreamedResponse) Status() string {
	return r.statusText
}

func (r *StreamedResponse) Proto() string {
	return r.proto
}

func (r *StreamedResponse) Header() http.Header {
	return r.header
}

// streamBody is fed from the loop and read from any goroutine.
type streamBody struct {
	mu      sync.Mutex
	cond    sync.Cond
	chunks  []responseContent
	off     int
	err     error
	closed  bool
	onClose func()
}

func newStreamBody(onClose func()) *streamBody {
	b := &streamBody{onClose: onClose}
	b.cond.L = &b.mu
	return b
}

func (b *streamBody) push(c responseContent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || b.err != nil {
		c.release()
		return
	}

	b.chunks = append(b.chunks, c)
	b.cond.Broadcast()
}

// finish ends the stream. A nil err means a clean EOF.
func (b *streamBody) finish(err error) {
	if err == nil {
		err = io.EOF
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.err == nil {
		b.err = err
	}
	b.cond.Broadcast()
}

func (b *streamBody) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.chunks) == 0 && b.err == nil && !b.closed {
		b.cond.Wait()
	}

	if b.closed {
		return 0, io.ErrClosedPipe
	}

	if len(b.chunks) == 0 {
		return 0, b.err
	}

	c := b.chunks[0]
	n := copy(p, c.data[b.off:])
	b.off += n
	if b.off == len(c.data) {
		c.release()
		b.chunks[0] = responseContent{}
		b.chunks = b.chunks[1:]
		b.off = 0
	}

	return n, nil
}

func (b *streamBody) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	early := b.err == nil
	for _, c := range b.chunks {
		c.release()
	}
	b.chunks = nil
	b.cond.Broadcast()
	b.mu.Unlock()

	if early && b.onClose != nil {
		b.onClose()
	}

	return nil
}

// head is the response without a body, as shown to response intercepts.
func (r *StreamedResponse) head() *ReceivedResponse {
	return &ReceivedResponse{
		status:     r.status,
		statusText: r.statusText,
		proto:      r.proto,
		header:     r.header,
		body:       []byte{},
	}
}
