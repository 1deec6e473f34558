package realtime

import (
	"crypto/rand"
	"encoding/hex"
)

// newEnvelopeID returns a random hex id for outbound frames. Envelope ids
// only need uniqueness for client-side correlation, not sortability.
func newEnvelopeID() string {
	b := make([]byte, 10)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}
