package sentinel

import (
	"fmt"
	"testing"
)

func TestIsAuthFailureGroupsLockedWithBadPassword(t *testing.T) {
	if !IsAuthFailure(fmt.Errorf("%w: until later", ErrAccountLocked)) {
		t.Fatal("locked should be an auth failure")
	}
	if !IsAuthFailure(ErrInvalidCredentials) {
		t.Fatal("invalid credentials should be an auth failure")
	}
	if IsAuthFailure(ErrAccountInactive) {
		t.Fatal("inactive is reported separately")
	}
}

func TestIsTokenFailure(t *testing.T) {
	for _, err := range []error{ErrTokenExpired, ErrTokenRevoked, ErrTokenReused, ErrInvalidSignature, ErrMalformedToken} {
		if !IsTokenFailure(fmt.Errorf("wrapped: %w", err)) {
			t.Fatalf("expected %v to be a token failure", err)
		}
	}
	if IsTokenFailure(ErrStoreUnavailable) {
		t.Fatal("store errors are not token failures")
	}
}
