package xhttp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"

	"github.com/josephcopenhaver/go-exp-pooled-http-client/xnet/xpipe"
)

// decompressor buffers an encoded body and emits it decoded, in chunks of
// at most chunkSize, when the last frame arrives. Bodies in an encoding it
// does not know pass through untouched.
//
// limit caps both the buffered encoded body and the decoded body. Past it
// the exchange fails with a ContentTooLargeError, for streamed responses as
// well as aggregated ones.
type decompressor struct {
	chunkSize int
	limit     int
	encoding  string
	buf       bytes.Buffer
	failed    bool
}

func newDecompressor(chunkSize, limit int) *decompressor {
	return &decompressor{chunkSize: chunkSize, limit: limit}
}

func (d *decompressor) HandleEvent(ctx *xpipe.Context, ev any) {
	switch ev := ev.(type) {
	case responseHead:
		d.onHead(ev)
	case responseContent:
		if d.encoding != "" {
			ev.release()
			if d.failed {
				return
			}

			if d.buf.Len()+len(ev.data) > d.limit {
				d.fail(ctx, &ContentTooLargeError{Limit: d.limit})
				return
			}
			d.buf.Write(ev.data)
			return
		}
	case responseLast:
		if d.encoding != "" {
			if d.failed {
				return
			}

			if err := d.flush(ctx); err != nil {
				d.fail(ctx, err)
				return
			}
		}
	}

	ctx.FireNext(ev)
}

func (d *decompressor) fail(ctx *xpipe.Context, err error) {
	d.failed = true
	d.buf = bytes.Buffer{}
	ctx.FireNext(connError{err: err})
}

func (d *decompressor) onHead(ev responseHead) {
	d.encoding = ""
	d.failed = false
	d.buf.Reset()

	if isInterim(ev.resp.StatusCode) {
		return
	}

	enc := strings.ToLower(strings.TrimSpace(ev.resp.Header.Get("Content-Encoding")))
	switch enc {
	case "gzip", "x-gzip", "deflate", "zstd":
	default:
		return
	}

	d.encoding = enc
	ev.resp.Header.Del("Content-Encoding")
	ev.resp.Header.Del("Content-Length")
	ev.resp.ContentLength = -1
	ev.resp.Uncompressed = true
}

func (d *decompressor) flush(ctx *xpipe.Context) error {
	encoded := d.buf.Bytes()
	d.buf = bytes.Buffer{}

	if len(encoded) == 0 {
		return nil
	}

	r, closeFn, err := newDecodingReader(d.encoding, encoded)
	if err != nil {
		return fmt.Errorf("failed to decode %s response body: %w", d.encoding, err)
	}
	defer closeFn()

	var total int
	for {
		chunk := make([]byte, d.chunkSize)
		n, err := io.ReadFull(r, chunk)
		if n > 0 {
			total += n
			if total > d.limit {
				return &ContentTooLargeError{Limit: d.limit}
			}
			ctx.FireNext(responseContent{data: chunk[:n]})
			if ctx.Removed() {
				// the consumer already finished the exchange
				return nil
			}
		}

		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("failed to decode %s response body: %w", d.encoding, err)
		}
	}
}

func newDecodingReader(encoding string, encoded []byte) (io.Reader, func(), error) {
	src := bytes.NewReader(encoded)

	switch encoding {
	case "gzip", "x-gzip":
		r, err := gzip.NewReader(src)
		if err != nil {
			return nil, nil, err
		}
		return r, func() { r.Close() }, nil
	case "deflate":
		// deflate is meant to be zlib wrapped, but raw streams are common
		r, err := zlib.NewReader(src)
		if err == nil {
			return r, func() { r.Close() }, nil
		}
		if !errors.Is(err, zlib.ErrHeader) {
			return nil, nil, err
		}

		fr := flate.NewReader(bytes.NewReader(encoded))
		return fr, func() { fr.Close() }, nil
	case "zstd":
		r, err := zstd.NewReader(src)
		if err != nil {
			return nil, nil, err
		}
		return r, r.Close, nil
	}

	return nil, nil, fmt.Errorf("unsupported content encoding %q", encoding)
}
