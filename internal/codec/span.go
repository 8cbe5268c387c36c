package codec

import (
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// NewSpanID returns a fresh 64-bit span identifier.
//
// The id is the high half of a UUIDv7: 48 bits of millisecond timestamp
// followed by the version nibble (0x7) and 12 random bits. The version
// nibble alone makes the id non-zero, so a valid span id is produced on the
// first attempt.
func NewSpanID() trace.SpanID {
	u, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source fails; fall back to v4,
		// whose version nibble (0x4) sits in the same byte.
		u = uuid.New()
	}
	return SpanIDFromUUID(u)
}

// SpanIDFromUUID takes the first eight bytes of u. For any RFC 9562 UUID of
// version 1 through 8 the result is non-zero.
func SpanIDFromUUID(u uuid.UUID) trace.SpanID {
	var id trace.SpanID
	copy(id[:], u[:8])
	return id
}
