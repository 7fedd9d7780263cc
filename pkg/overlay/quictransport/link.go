package quictransport

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/beenet-mesh/meshfs/pkg/overlay"
	"github.com/quic-go/quic-go"
)

// link is an overlay.Link backed by one QUIC stream. An outbound link
// (from Transport.Link) issues requests and reads their responses; an
// inbound link (handed to an OnIncomingLink handler) answers requests the
// peer sends, one at a time, matching the core's single-outstanding-
// request-per-link usage on both ends.
type link struct {
	stream        *quic.Stream
	remoteHexHash string

	mu       sync.Mutex
	reqMu    sync.Mutex // serializes outbound Request calls on this stream
	handler  overlay.RequestHandler
	closed   bool
	onClosed []func(error)

	firstPayload []byte // set only for inbound links, consumed once by serve
}

func newOutboundLink(stream *quic.Stream, remoteHexHash string) *link {
	return &link{stream: stream, remoteHexHash: remoteHexHash}
}

func newInboundLink(stream *quic.Stream, remoteHexHash string) *link {
	return &link{stream: stream, remoteHexHash: remoteHexHash}
}

// deliverFirstRequest hands the request frame payload handleStream already
// read off the stream (to learn its kind) to serve, so no frame is lost.
func (l *link) deliverFirstRequest(payload []byte) {
	l.firstPayload = payload
}

func (l *link) RemoteHexHash() string { return l.remoteHexHash }

func (l *link) OnRequest(handler overlay.RequestHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = handler
}

func (l *link) OnClosed(handler func(error)) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		handler(nil)
		return
	}
	l.onClosed = append(l.onClosed, handler)
	l.mu.Unlock()
}

func (l *link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	hooks := append([]func(error){}, l.onClosed...)
	l.mu.Unlock()

	err := l.stream.Close()
	for _, h := range hooks {
		h(nil)
	}
	return err
}

// isClosed reports whether the link has already been torn down, e.g. by an
// OnIncomingLink hook that rejected it outright (busy-linked backpressure).
func (l *link) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *link) closeWithReason(reason error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	hooks := append([]func(error){}, l.onClosed...)
	l.mu.Unlock()

	l.stream.Close()
	for _, h := range hooks {
		h(reason)
	}
}

// Request sends one request and blocks for its response. Only one Request
// may be outstanding on a link at a time; concurrent callers are
// serialized since a single QUIC stream can't interleave two requests.
func (l *link) Request(ctx context.Context, method string, data []byte) ([]byte, error) {
	l.reqMu.Lock()
	defer l.reqMu.Unlock()

	if err := writeFrame(l.stream, kindRequest, encodeRequest(method, data)); err != nil {
		return nil, fmt.Errorf("quictransport: send request: %w", err)
	}

	type result struct {
		kind byte
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		kind, payload, err := readFrame(l.stream)
		done <- result{kind, payload, err}
	}()

	select {
	case <-ctx.Done():
		l.closeWithReason(ctx.Err())
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("quictransport: read response: %w", r.err)
		}
		switch r.kind {
		case kindResponse:
			return r.data, nil
		case kindResponseError:
			return nil, fmt.Errorf("quictransport: peer error: %s", string(r.data))
		default:
			return nil, fmt.Errorf("quictransport: unexpected response frame kind %d", r.kind)
		}
	}
}

// serve answers requests on an inbound link until the stream closes.
func (l *link) serve() {
	payload := l.firstPayload
	for {
		method, data, err := decodeRequest(payload)
		if err != nil {
			l.closeWithReason(err)
			return
		}

		l.mu.Lock()
		handler := l.handler
		l.mu.Unlock()

		if handler == nil {
			writeFrame(l.stream, kindResponseError, []byte("quictransport: no handler registered"))
		} else {
			resp, err := handler(context.Background(), overlay.IncomingRequest{Method: method, Data: data})
			if err != nil {
				writeFrame(l.stream, kindResponseError, []byte(err.Error()))
			} else {
				writeFrame(l.stream, kindResponse, resp)
			}
		}

		kind, next, err := readFrame(l.stream)
		if err != nil {
			l.closeWithReason(err)
			return
		}
		if kind != kindRequest {
			l.closeWithReason(fmt.Errorf("quictransport: expected request frame, got kind %d", kind))
			return
		}
		payload = next
	}
}

// encodeRequest packs a method name and opaque data into one frame
// payload: a 2-byte big-endian method length, the method bytes, then data.
func encodeRequest(method string, data []byte) []byte {
	buf := make([]byte, 2+len(method)+len(data))
	binary.BigEndian.PutUint16(buf, uint16(len(method)))
	copy(buf[2:], method)
	copy(buf[2+len(method):], data)
	return buf
}

func decodeRequest(payload []byte) (method string, data []byte, err error) {
	if len(payload) < 2 {
		return "", nil, fmt.Errorf("quictransport: request frame too short")
	}
	n := binary.BigEndian.Uint16(payload)
	if int(n)+2 > len(payload) {
		return "", nil, fmt.Errorf("quictransport: request frame method length out of range")
	}
	return string(payload[2 : 2+n]), payload[2+n:], nil
}
