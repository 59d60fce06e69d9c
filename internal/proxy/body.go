package proxy

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// replayBody holds a request body so that it can be sent again to the next
// endpoint. Bodies over the limit are streamed once and disable retries.
type replayBody struct {
	buf    []byte
	stream io.Reader
	size   int64
	sent   bool
}

func bufferBody(r *http.Request, limit int64) (*replayBody, error) {
	if r.Body == nil || r.Body == http.NoBody || r.ContentLength == 0 {
		return &replayBody{}, nil
	}
	if r.ContentLength > limit {
		return &replayBody{stream: r.Body, size: r.ContentLength}, nil
	}

	buf, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if int64(len(buf)) > limit {
		// unknown length over the limit: forward what was read, then the rest
		return &replayBody{stream: io.MultiReader(bytes.NewReader(buf), r.Body), size: r.ContentLength}, nil
	}
	return &replayBody{buf: buf, size: int64(len(buf))}, nil
}

// Replayable reports whether the body may be sent to another endpoint.
func (b *replayBody) Replayable() bool {
	return b.stream == nil
}

// Reader returns the body for the next attempt, nil for an empty body.
func (b *replayBody) Reader() io.Reader {
	switch {
	case b.stream != nil:
		if b.sent {
			return nil
		}
		b.sent = true
		return b.stream
	case len(b.buf) == 0:
		return nil
	}
	return bytes.NewReader(b.buf)
}

// Size is the content length to announce upstream; -1 when unknown.
func (b *replayBody) Size() int64 { return b.size }
