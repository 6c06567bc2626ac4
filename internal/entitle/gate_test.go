package entitle

import (
	"errors"
	"fmt"
	"testing"
)

func activeEnt() Entitlements {
	return Entitlements{
		Subscription: Subscription{Status: "active"},
		Limits: Limits{
			MaxSimultaneousLanguages: 3,
			FeatureFlags:             map[string]bool{"tts_streaming": true, "exports": false},
		},
	}
}

func TestAssertSubscriptionActive(t *testing.T) {
	if err := AssertSubscriptionActive(activeEnt()); err != nil {
		t.Fatalf("active subscription rejected: %v", err)
	}

	ent := activeEnt()
	ent.Subscription.Status = "past_due"
	err := AssertSubscriptionActive(ent)
	if err == nil {
		t.Fatal("past_due subscription admitted")
	}
	if CodeOf(err) != CodeSubscriptionInactive {
		t.Errorf("code = %v, want SUBSCRIPTION_INACTIVE", CodeOf(err))
	}

	ent.Subscription.Status = "cancelled"
	if err := AssertSubscriptionActive(ent); err == nil {
		t.Error("cancelled subscription admitted")
	}
}

func TestAssertLanguageLimit(t *testing.T) {
	ent := activeEnt()
	for _, n := range []int{0, 1, 3} {
		if err := AssertLanguageLimit(ent, n); err != nil {
			t.Errorf("AssertLanguageLimit(%d) = %v, want nil", n, err)
		}
	}
	if err := AssertLanguageLimit(ent, 4); err == nil {
		t.Error("4 languages admitted with limit 3")
	}
	if err := AssertLanguageLimit(ent, -1); CodeOf(err) != CodeInvalidRequest {
		t.Errorf("negative count code = %v, want INVALID_REQUEST", CodeOf(err))
	}
}

func TestAssertFeatureEnabled(t *testing.T) {
	ent := activeEnt()
	if err := AssertFeatureEnabled(ent, "tts_streaming"); err != nil {
		t.Errorf("enabled feature rejected: %v", err)
	}
	if err := AssertFeatureEnabled(ent, "exports"); CodeOf(err) != CodeFeatureDisabled {
		t.Errorf("false flag code = %v, want FEATURE_DISABLED", CodeOf(err))
	}
	if err := AssertFeatureEnabled(ent, "nonexistent"); err == nil {
		t.Error("absent flag admitted")
	}
}

func TestAssertRole_Ordering(t *testing.T) {
	tests := []struct {
		user, required Role
		admit          bool
	}{
		{RoleViewer, RoleViewer, true},
		{RoleSpeaker, RoleViewer, true},
		{RoleAdmin, RoleSpeaker, true},
		{RoleOwner, RoleAdmin, true},
		{RoleViewer, RoleSpeaker, false},
		{RoleSpeaker, RoleAdmin, false},
		{RoleAdmin, RoleOwner, false},
		{Role("stranger"), RoleViewer, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_vs_%s", tt.user, tt.required), func(t *testing.T) {
			err := AssertRole(tt.user, tt.required)
			if tt.admit && err != nil {
				t.Errorf("AssertRole(%s, %s) = %v, want nil", tt.user, tt.required, err)
			}
			if !tt.admit && err == nil {
				t.Errorf("AssertRole(%s, %s) = nil, want error", tt.user, tt.required)
			}
		})
	}
}

func TestCodeOf_Fallback(t *testing.T) {
	if c := CodeOf(errors.New("boom")); c != CodeStreamingError {
		t.Errorf("CodeOf(plain error) = %v, want STREAMING_ERROR", c)
	}
	wrapped := fmt.Errorf("outer: %w", NewError(CodeTierNotAllowed, "no"))
	if c := CodeOf(wrapped); c != CodeTierNotAllowed {
		t.Errorf("CodeOf(wrapped) = %v, want TIER_NOT_ALLOWED", c)
	}
}
