// Package services contains the business logic between the HTTP surface
// and the entitlement core.
package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"tiergate/internal/authority"
	"tiergate/internal/entitlement"
	apperrors "tiergate/internal/errors"
	"tiergate/internal/identity"
	"tiergate/internal/infrastructure"
)

// EntitlementService provides the operations the local control surface
// exposes.
type EntitlementService interface {
	Status(ctx context.Context) (*StatusResponse, error)
	Activate(ctx context.Context, code string) (*StatusResponse, error)
	Upgrade(ctx context.Context, targetTier string) (*StatusResponse, error)
}

// StatusResponse is the standardized entitlement status payload.
type StatusResponse struct {
	Tier          string                   `json:"tier"`
	EffectiveTier string                   `json:"effective_tier"`
	ExpiresAt     *time.Time               `json:"expires_at,omitempty"`
	ActivatedAt   *time.Time               `json:"activated_at,omitempty"`
	DaysLeft      int                      `json:"days_left,omitempty"`
	Capabilities  []entitlement.Capability `json:"capabilities"`
	ClientID      string                   `json:"client_id"`
	Timestamp     time.Time                `json:"timestamp"`
}

type entitlementService struct {
	manager    *entitlement.Manager
	reconciler *entitlement.Reconciler
	upgrades   UpgradeClient
	identity   *identity.Identity
	logger     *slog.Logger
	now        func() time.Time
}

// UpgradeClient is the slice of the authority client the upgrade flow
// needs. Nil when no backend is configured.
type UpgradeClient interface {
	Upgrade(ctx context.Context, clientID, codeID string, targetTier entitlement.Tier) (*authority.UpgradeResult, error)
}

// NewEntitlementService wires the service. reconciler and upgrades may
// be nil when no authority is configured; activation then stays purely
// local and upgrades are unavailable.
func NewEntitlementService(
	manager *entitlement.Manager,
	reconciler *entitlement.Reconciler,
	upgrades UpgradeClient,
	id *identity.Identity,
	logger *slog.Logger,
) EntitlementService {
	return &entitlementService{
		manager:    manager,
		reconciler: reconciler,
		upgrades:   upgrades,
		identity:   id,
		logger:     infrastructure.WithComponent(logger, "entitlement_service"),
		now:        time.Now,
	}
}

func (s *entitlementService) Status(ctx context.Context) (*StatusResponse, error) {
	ent, err := s.manager.Store().Get()
	if err != nil {
		return nil, err
	}
	return s.statusFrom(ent), nil
}

// Activate runs the synchronous local activation path, then notifies
// the authority in the background. A push failure can never undo the
// activation.
func (s *entitlementService) Activate(ctx context.Context, code string) (*StatusResponse, error) {
	ent, err := s.manager.Activate(ctx, code)
	if err != nil {
		return nil, err
	}

	if s.reconciler != nil {
		s.reconciler.PushActivation(ctx, ent)
	}

	return s.statusFrom(ent), nil
}

// Upgrade asks the authority for a tier change and persists the answer.
// When the response omits a code id the existing one is kept; the reuse
// is logged at warn level because it couples the two codes' identities.
func (s *entitlementService) Upgrade(ctx context.Context, targetTier string) (*StatusResponse, error) {
	if s.upgrades == nil {
		return nil, fmt.Errorf("%w: no authority configured", apperrors.ErrNetwork)
	}

	current, err := s.manager.Store().Get()
	if err != nil {
		return nil, err
	}
	if current.Tier == entitlement.TierFree || current.CodeID == "" {
		return nil, apperrors.ErrNotActivated
	}

	tier := entitlement.ParseTier(targetTier)
	if tier == entitlement.TierFree {
		return nil, fmt.Errorf("%w: cannot upgrade to tier %q", apperrors.ErrRemoteRejected, targetTier)
	}

	result, err := s.upgrades.Upgrade(ctx, s.identity.ClientID, current.CodeID, tier)
	if err != nil {
		infrastructure.WithError(s.logger, err).WarnContext(ctx, "Upgrade request failed",
			slog.String("target_tier", string(tier)),
		)
		return nil, err
	}

	codeID := result.CodeID
	if codeID == "" {
		codeID = current.CodeID
		s.logger.WarnContext(ctx, "Upgrade response omitted code id, reusing existing",
			slog.String("tier", string(result.Tier)),
		)
	}

	if err := s.manager.Store().Activate(result.Tier, result.ExpiresAt, codeID, s.now()); err != nil {
		return nil, err
	}

	ent, err := s.manager.Store().Get()
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "Entitlement upgraded",
		slog.String("tier", string(ent.Tier)),
	)
	return s.statusFrom(ent), nil
}

func (s *entitlementService) statusFrom(ent *entitlement.Entitlement) *StatusResponse {
	now := s.now()
	effective := ent.EffectiveTier(now)

	resp := &StatusResponse{
		Tier:          string(ent.Tier),
		EffectiveTier: string(effective),
		ExpiresAt:     ent.ExpiresAt,
		ActivatedAt:   ent.ActivatedAt,
		Capabilities:  entitlement.Capabilities(effective),
		ClientID:      ent.ClientID,
		Timestamp:     now,
	}
	if ent.ExpiresAt != nil && !ent.Expired(now) {
		resp.DaysLeft = int(ent.ExpiresAt.Sub(now).Hours() / 24)
	}
	return resp
}
