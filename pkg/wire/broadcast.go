// Package wire implements the fixed-width broadcast frame codec (RH/NP/NH)
// and a signed point-to-point request/response envelope. The Link
// implementations in this repository do not use the envelope.
package wire

import "fmt"

// Broadcast prefixes. Exactly two ASCII bytes, matching the three
// broadcast message kinds the replication engine understands. CS rides the
// transport's identity announce app-data instead of a broadcast frame, so
// it has no prefix constant here.
const (
	PrefixRequestHash = "RH"
	PrefixNodePresent = "NP"
	PrefixNewHash     = "NH"

	prefixLen = 2
)

// SourceHashLen is the width, in hex characters, of the identity hash
// carried in every broadcast frame's source field.
const SourceHashLen = 18

// EncodeBroadcast builds a fixed-width broadcast frame: a 2-byte prefix, a
// SourceHashLen-byte source identity hash, and the remaining bytes as the
// payload hash.
func EncodeBroadcast(prefix, source, payloadHash string) ([]byte, error) {
	if err := validatePrefix(prefix); err != nil {
		return nil, err
	}
	if len(source) != SourceHashLen {
		return nil, fmt.Errorf("wire: source hash %q has length %d, want %d", source, len(source), SourceHashLen)
	}
	return []byte(prefix + source + payloadHash), nil
}

// DecodeBroadcast splits a frame produced by EncodeBroadcast. It reports ok
// = false, rather than an error, for anything that does not parse: frames
// arriving over an unreliable broadcast channel are expected to be
// occasionally truncated or foreign, and the caller's only correct
// response is to drop them silently.
func DecodeBroadcast(data []byte) (prefix, source, payloadHash string, ok bool) {
	if len(data) < prefixLen+SourceHashLen+1 {
		return "", "", "", false
	}
	prefix = string(data[:prefixLen])
	switch prefix {
	case PrefixRequestHash, PrefixNodePresent, PrefixNewHash:
	default:
		return "", "", "", false
	}
	source = string(data[prefixLen : prefixLen+SourceHashLen])
	payloadHash = string(data[prefixLen+SourceHashLen:])
	return prefix, source, payloadHash, true
}

// ChecksumAnnounceData builds the app-data payload carried in an identity
// announce to advertise a source's current checksum.
func ChecksumAnnounceData(checksum string) []byte {
	return []byte("CS" + checksum)
}

// ParseChecksumAnnounce extracts the checksum from announce app-data, if
// the app-data is a checksum announcement at all.
func ParseChecksumAnnounce(appData []byte) (checksum string, ok bool) {
	if len(appData) < prefixLen || string(appData[:prefixLen]) != "CS" {
		return "", false
	}
	return string(appData[prefixLen:]), true
}

func validatePrefix(prefix string) error {
	switch prefix {
	case PrefixRequestHash, PrefixNodePresent, PrefixNewHash:
		return nil
	default:
		return fmt.Errorf("wire: unknown broadcast prefix %q", prefix)
	}
}
