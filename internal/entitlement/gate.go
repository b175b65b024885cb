package entitlement

import (
	"sort"
	"strings"
)

// Tier is an ordered access level granted to a client.
type Tier string

const (
	TierFree  Tier = "free"
	TierBasic Tier = "basic"
	TierPlus  Tier = "plus"
)

// Rank returns the ordering of a tier: free < basic < plus.
// Unknown values rank as free.
func (t Tier) Rank() int {
	switch t {
	case TierBasic:
		return 1
	case TierPlus:
		return 2
	default:
		return 0
	}
}

// AtLeast reports whether t grants at least the access of other.
func (t Tier) AtLeast(other Tier) bool {
	return t.Rank() >= other.Rank()
}

// ParseTier normalizes a stored tier string. Anything unrecognized is
// treated as free so a corrupted record can only lose access, not gain it.
func ParseTier(s string) Tier {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierBasic:
		return TierBasic
	case TierPlus:
		return TierPlus
	default:
		return TierFree
	}
}

// Capability names a gated feature of the host application.
type Capability string

const (
	CapabilityRecording       Capability = "audio.recording"
	CapabilityMarkdownExport  Capability = "notes.markdown_export"
	CapabilityAISummaries     Capability = "ai.summaries"
	CapabilityAIChat          Capability = "ai.chat"
	CapabilityPriorityModels  Capability = "ai.priority_models"
	CapabilityExtendedHistory Capability = "history.extended"
)

// capabilityMinTier is the complete capability table. Every capability
// has an explicit minimum tier; missing entries deny.
var capabilityMinTier = map[Capability]Tier{
	CapabilityRecording:       TierFree,
	CapabilityMarkdownExport:  TierFree,
	CapabilityAISummaries:     TierBasic,
	CapabilityAIChat:          TierBasic,
	CapabilityPriorityModels:  TierPlus,
	CapabilityExtendedHistory: TierPlus,
}

// CanAccess maps (tier, capability) to allowed/denied. Static, total
// and side-effect free; unknown capabilities are denied for every tier.
func CanAccess(tier Tier, capability Capability) bool {
	minTier, ok := capabilityMinTier[capability]
	if !ok {
		return false
	}
	return tier.AtLeast(minTier)
}

// Capabilities lists every capability the given tier can access.
func Capabilities(tier Tier) []Capability {
	var caps []Capability
	for capability, minTier := range capabilityMinTier {
		if tier.AtLeast(minTier) {
			caps = append(caps, capability)
		}
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
	return caps
}
