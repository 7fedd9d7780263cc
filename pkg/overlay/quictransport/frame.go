package quictransport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Every message on a QUIC stream is a one-byte kind tag followed by a
// 4-byte big-endian length and that many bytes of payload. Streams carry
// exactly one kind of traffic for their whole lifetime (handshake,
// broadcast, announce, or request/response), so the kind tag is really
// only meaningful once per stream; readFrame still returns it on every call
// and its callers check it, so a misbehaving peer can't smuggle a different
// kind mid-stream.
const (
	kindHandshakeClient byte = 1
	kindHandshakeServer byte = 2
	kindBroadcast       byte = 3
	kindAnnounce        byte = 4
	kindRequest         byte = 5
	kindResponse        byte = 6
	kindResponseError   byte = 7
)

const maxFrameLen = 64 << 20

func writeFrame(w io.Writer, kind byte, payload []byte) error {
	if len(payload) > maxFrameLen {
		return fmt.Errorf("quictransport: frame too large (%d bytes)", len(payload))
	}
	header := make([]byte, 5)
	header[0] = kind
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) (byte, []byte, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(header[1:])
	if n > maxFrameLen {
		return 0, nil, fmt.Errorf("quictransport: peer announced oversized frame (%d bytes)", n)
	}
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
	}
	return header[0], payload, nil
}
