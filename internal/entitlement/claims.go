package entitlement

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	apperrors "tiergate/internal/errors"
)

// Claims is the typed view of a verified invite-code payload.
// TierExpDays bounds how long the granted tier lasts; ExpiresAt bounds
// how long the code itself can be redeemed. The two are independent.
type Claims struct {
	CodeID      string `json:"id"`
	Tier        string `json:"tier,omitempty"`
	TierExpDays int    `json:"tier_exp,omitempty"`
	ExpiresAt   int64  `json:"exp,omitempty"`
}

// DecodeClaims parses the verified payload JSON into Claims. The code
// id is mandatory; everything else has defaults. Rejection happens here
// at the boundary so nothing downstream handles optional fields.
func DecodeClaims(payload []byte) (*Claims, error) {
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: payload is not valid JSON: %v", apperrors.ErrInvalidEncoding, err)
	}

	if strings.TrimSpace(claims.CodeID) == "" {
		return nil, apperrors.ErrMissingCodeID
	}

	return &claims, nil
}

// GrantedTier returns the tier the code grants. Absent or unrecognized
// values default to basic, never to the highest tier.
func (c *Claims) GrantedTier() Tier {
	switch strings.ToLower(strings.TrimSpace(c.Tier)) {
	case string(TierPlus):
		return TierPlus
	default:
		return TierBasic
	}
}

// CodeExpired reports whether the code's own redemption window has
// passed. A zero exp means the code never expires.
func (c *Claims) CodeExpired(now time.Time) bool {
	return c.ExpiresAt > 0 && now.Unix() > c.ExpiresAt
}

// TierExpiry computes the absolute expiry of the granted tier relative
// to activation time. Zero or negative tier_exp means the tier never
// expires and nil is returned.
func (c *Claims) TierExpiry(now time.Time) *time.Time {
	if c.TierExpDays <= 0 {
		return nil
	}
	expiry := now.Add(time.Duration(c.TierExpDays) * 24 * time.Hour)
	return &expiry
}
