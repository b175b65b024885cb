package entitlement

import (
	"encoding/base64"
	"fmt"
	"strings"

	apperrors "tiergate/internal/errors"
)

// InviteToken is the structured form of a raw invite-code string.
// Payload and Signature hold the decoded bytes; the prefix and tier
// hint are informational only, the authoritative tier comes from the
// signed payload.
type InviteToken struct {
	Prefix    string
	TierHint  string
	Payload   []byte
	Signature []byte
}

// ParseInviteCode parses the textual wire format
// PREFIX-TIERHINT-PAYLOAD.SIGNATURE where PAYLOAD and SIGNATURE are
// unpadded Base64URL. Pure and deterministic; no side effects.
func ParseInviteCode(raw string) (*InviteToken, error) {
	raw = strings.TrimSpace(raw)

	// Split on the last dot so payload content can never shadow the
	// signature separator.
	idx := strings.LastIndex(raw, ".")
	if idx <= 0 || idx == len(raw)-1 {
		return nil, apperrors.ErrMissingSignature
	}
	head, sigSegment := raw[:idx], raw[idx+1:]

	// The payload segment is everything after the second dash. Base64URL
	// itself uses '-', so only the first two dashes are separators.
	fields := strings.SplitN(head, "-", 3)
	if len(fields) < 3 || fields[0] == "" || fields[1] == "" || fields[2] == "" {
		return nil, apperrors.ErrMalformedPrefix
	}

	payload, err := decodeSegment(fields[2])
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", apperrors.ErrInvalidEncoding, err)
	}

	signature, err := decodeSegment(sigSegment)
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %v", apperrors.ErrInvalidEncoding, err)
	}

	return &InviteToken{
		Prefix:    fields[0],
		TierHint:  fields[1],
		Payload:   payload,
		Signature: signature,
	}, nil
}

// decodeSegment decodes an unpadded Base64URL segment. Padding is
// stripped from the wire format to keep codes short, so it is restored
// to a multiple of four before decoding.
func decodeSegment(segment string) ([]byte, error) {
	segment = strings.TrimRight(segment, "=")
	if rem := len(segment) % 4; rem != 0 {
		segment += strings.Repeat("=", 4-rem)
	}
	return base64.URLEncoding.DecodeString(segment)
}

// EncodeSegment is the inverse of the wire decoding: unpadded Base64URL.
// Used by the code generator tool and tests.
func EncodeSegment(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}
