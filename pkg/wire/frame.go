package wire

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/beenet-mesh/meshfs/pkg/wire/cborcanon"
)

// ProtocolVersion is the version field every Envelope carries.
const ProtocolVersion uint16 = 1

// MaxClockSkew bounds how far an envelope's timestamp may drift from the
// receiver's clock before it is rejected.
const MaxClockSkew = 5 * time.Minute

// Envelope message kinds exchanged over a Link.
const (
	KindFetchRequest  uint16 = 1
	KindFetchResponse uint16 = 2
	KindError         uint16 = 0
)

// Envelope is a signed, versioned, canonical-CBOR request or response for
// point-to-point use. The Link implementations in this repository do not
// wrap their requests or responses in it; they carry the raw method and
// payload bytes.
type Envelope struct {
	V    uint16      `cbor:"v"`
	Kind uint16      `cbor:"kind"`
	From string      `cbor:"from"`
	Seq  uint64      `cbor:"seq"`
	TS   uint64      `cbor:"ts"`
	Body interface{} `cbor:"body"`
	Sig  []byte      `cbor:"sig"`
}

// NewEnvelope builds an Envelope stamped with the current time.
func NewEnvelope(kind uint16, from string, seq uint64, body interface{}) *Envelope {
	return &Envelope{
		V:    ProtocolVersion,
		Kind: kind,
		From: from,
		Seq:  seq,
		TS:   uint64(time.Now().UnixMilli()),
		Body: body,
	}
}

// Sign signs the envelope with the sender's Ed25519 private key.
func (e *Envelope) Sign(privateKey ed25519.PrivateKey) error {
	sigData, err := e.signingBytes()
	if err != nil {
		return fmt.Errorf("wire: encode envelope for signing: %w", err)
	}
	e.Sig = ed25519.Sign(privateKey, sigData)
	return nil
}

// Verify checks the envelope's signature against the sender's Ed25519
// public key.
func (e *Envelope) Verify(publicKey ed25519.PublicKey) error {
	if len(e.Sig) == 0 {
		return fmt.Errorf("wire: envelope has no signature")
	}
	sigData, err := e.signingBytes()
	if err != nil {
		return fmt.Errorf("wire: encode envelope for verification: %w", err)
	}
	if !ed25519.Verify(publicKey, sigData, e.Sig) {
		return fmt.Errorf("wire: signature verification failed")
	}
	return nil
}

func (e *Envelope) signingBytes() ([]byte, error) {
	unsigned := *e
	unsigned.Sig = nil
	return cborcanon.Marshal(&unsigned)
}

// Marshal encodes the envelope to canonical CBOR.
func (e *Envelope) Marshal() ([]byte, error) {
	return cborcanon.Marshal(e)
}

// UnmarshalEnvelope decodes canonical CBOR data into a new Envelope.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := cborcanon.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("wire: unmarshal envelope: %w", err)
	}
	return &e, nil
}

// Validate checks the envelope's version and timestamp are acceptable.
// It does not verify the signature; call Verify separately once the
// sender's public key is known.
func (e *Envelope) Validate() error {
	if e.V != ProtocolVersion {
		return fmt.Errorf("wire: unsupported protocol version %d", e.V)
	}
	if e.From == "" {
		return fmt.Errorf("wire: envelope missing sender identity")
	}
	now := uint64(time.Now().UnixMilli())
	skew := uint64(MaxClockSkew.Milliseconds())
	if e.TS > now+skew {
		return fmt.Errorf("wire: envelope timestamp too far in the future")
	}
	if now > e.TS+skew {
		return fmt.Errorf("wire: envelope timestamp too far in the past")
	}
	return nil
}

// FetchRequestBody is the body of a KindFetchRequest envelope: a request
// for the node or chunk data identified by Hash.
type FetchRequestBody struct {
	Hash string `cbor:"hash"`
}

// FetchResponseBody is the body of a KindFetchResponse envelope, carrying
// either a serialized node dictionary (non-CHUNK) or raw chunk bytes
// (CHUNK), matching the dual return shape of the content-index's node
// lookup.
type FetchResponseBody struct {
	NodeDict []byte `cbor:"node_dict,omitempty"`
	Data     []byte `cbor:"data,omitempty"`
}

// NewFetchRequestEnvelope builds a fetch request envelope.
func NewFetchRequestEnvelope(from string, seq uint64, hash string) *Envelope {
	return NewEnvelope(KindFetchRequest, from, seq, &FetchRequestBody{Hash: hash})
}

// NewFetchResponseEnvelope builds a fetch response envelope.
func NewFetchResponseEnvelope(from string, seq uint64, body *FetchResponseBody) *Envelope {
	return NewEnvelope(KindFetchResponse, from, seq, body)
}

// ErrorFrame wraps a protocol Error in an Envelope.
func ErrorFrame(from string, seq uint64, err *Error) *Envelope {
	return NewEnvelope(KindError, from, seq, err)
}

// IsErrorFrame reports whether env carries an Error body.
func IsErrorFrame(env *Envelope) bool {
	return env.Kind == KindError
}
