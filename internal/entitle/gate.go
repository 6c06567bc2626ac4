// Package entitle implements the pure entitlement gate of the streaming
// core. The gate performs no I/O: it evaluates assertions against an
// entitlement snapshot that an external resolver produced and the session
// cached at attach time. Later entitlement changes never void a stream that
// was already admitted.
package entitle

import (
	"errors"
	"fmt"
)

// Code is one of the closed set of error codes a listener can observe.
type Code string

const (
	CodeTierNotAllowed       Code = "TIER_NOT_ALLOWED"
	CodeVoiceNotAllowed      Code = "VOICE_NOT_ALLOWED"
	CodeFeatureDisabled      Code = "FEATURE_DISABLED"
	CodeSubscriptionInactive Code = "SUBSCRIPTION_INACTIVE"
	CodeInsufficientRole     Code = "INSUFFICIENT_ROLE"
	CodeStreamingError       Code = "STREAMING_ERROR"
	CodeTranslationTimeout   Code = "TRANSLATION_TIMEOUT"
	CodeNoCompatibleCodec    Code = "NO_COMPATIBLE_CODEC"
	CodeInvalidRequest       Code = "INVALID_REQUEST"
)

// Error carries a listener-visible error code alongside a human message.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds an *Error with a formatted message.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the listener-visible code from err. Errors outside the
// closed set map to STREAMING_ERROR.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeStreamingError
}

// Entitlements is the snapshot consumed by the core. The resolver that
// produces it is an external collaborator.
type Entitlements struct {
	Subscription Subscription
	Limits       Limits

	// Routing maps a capability name (e.g. "tts_streaming") to the
	// provider/model pair the tenant's plan grants.
	Routing map[string]RouteGrant
}

// Subscription describes the tenant's billing state.
type Subscription struct {
	// Status is "active", "past_due", "cancelled", ...; only "active" admits.
	Status string
}

// Limits holds the plan's quantitative limits and feature flags.
type Limits struct {
	MaxSimultaneousLanguages int
	FeatureFlags             map[string]bool
}

// RouteGrant names the provider and model a capability resolves to.
type RouteGrant struct {
	Provider string
	Model    string
}

// Role is an ordered user role. The ordering, lowest to highest, is
// viewer < speaker < admin < owner.
type Role string

const (
	RoleViewer  Role = "viewer"
	RoleSpeaker Role = "speaker"
	RoleAdmin   Role = "admin"
	RoleOwner   Role = "owner"
)

var roleRank = map[Role]int{
	RoleViewer:  0,
	RoleSpeaker: 1,
	RoleAdmin:   2,
	RoleOwner:   3,
}

// AssertSubscriptionActive admits only an "active" subscription. A
// "past_due" status fails with the payment-required-class code.
func AssertSubscriptionActive(ent Entitlements) error {
	switch ent.Subscription.Status {
	case "active":
		return nil
	case "past_due":
		return NewError(CodeSubscriptionInactive, "subscription is past due; payment required")
	default:
		return NewError(CodeSubscriptionInactive, "subscription status %q is not active", ent.Subscription.Status)
	}
}

// AssertLanguageLimit rejects requests for more simultaneous languages than
// the plan allows. A zero limit means the plan grants none.
func AssertLanguageLimit(ent Entitlements, requested int) error {
	if requested < 0 {
		return NewError(CodeInvalidRequest, "requested language count %d is negative", requested)
	}
	if requested > ent.Limits.MaxSimultaneousLanguages {
		return NewError(CodeFeatureDisabled, "plan allows %d simultaneous languages, %d requested",
			ent.Limits.MaxSimultaneousLanguages, requested)
	}
	return nil
}

// AssertFeatureEnabled rejects when the named flag is absent or false.
func AssertFeatureEnabled(ent Entitlements, name string) error {
	if !ent.Limits.FeatureFlags[name] {
		return NewError(CodeFeatureDisabled, "feature %q is not enabled for this plan", name)
	}
	return nil
}

// AssertRole rejects when userRole ranks below required. Unknown roles rank
// below viewer.
func AssertRole(userRole, required Role) error {
	ur, ok := roleRank[userRole]
	if !ok {
		ur = -1
	}
	rr, ok := roleRank[required]
	if !ok {
		return NewError(CodeInvalidRequest, "unknown required role %q", required)
	}
	if ur < rr {
		return NewError(CodeInsufficientRole, "role %q does not satisfy required role %q", userRole, required)
	}
	return nil
}
