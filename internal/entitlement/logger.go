package entitlement

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"

	"tiergate/internal/infrastructure"
)

// logAction logs an entitlement action with structured fields and
// trace correlation.
func logAction(ctx context.Context, level slog.Level, component, action, result string, attrs ...slog.Attr) {
	logger := infrastructure.LoggerWithContext(ctx)

	allAttrs := []slog.Attr{
		slog.String("component", component),
		slog.String("action", action),
		slog.String("result", result),
	}
	allAttrs = append(allAttrs, attrs...)

	logger.LogAttrs(ctx, level, result, allAttrs...)
}

// maskInviteCode masks a raw invite code for logging. Codes are
// credentials; only a short prefix and suffix survive.
func maskInviteCode(code string) string {
	if len(code) <= 8 {
		return "****"
	}
	return code[:4] + "****" + code[len(code)-4:]
}

// hashInviteCode creates a short stable hash of a code for audit
// correlation without exposing the code itself.
func hashInviteCode(code string) string {
	if code == "" {
		return ""
	}
	h := sha256.Sum256([]byte(code))
	return fmt.Sprintf("%x", h)[:16]
}
