package metagen

import (
	"strings"
)

// HeaderAPIVersion is sent on every request and echoed by the backend.
const HeaderAPIVersion = "X-API-Version"

// APIVersion is the protocol version this client speaks.
const APIVersion = "1.0.0"

// Decoder turns a stream payload into a message.
type Decoder func(data []byte) (Message, error)

// decoders maps a protocol major version to its message decoder. Older
// taxonomies (chat/complete) are intentionally absent: a backend speaking
// them gets the canonical decoder plus a version warning.
var decoders = map[string]Decoder{
	"1": Classify,
}

// DecoderFor selects the message decoder for the version a backend
// reported. ok is false when the version is unknown and the canonical
// decoder was substituted.
func DecoderFor(version string) (dec Decoder, ok bool) {
	if d, found := decoders[majorVersion(version)]; found {
		return d, true
	}
	return Classify, false
}

// VersionsCompatible reports whether two versions share a major number.
func VersionsCompatible(a, b string) bool {
	return majorVersion(a) == majorVersion(b)
}

func majorVersion(v string) string {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	if i := strings.IndexByte(v, '.'); i >= 0 {
		return v[:i]
	}
	return v
}
