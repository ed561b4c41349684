package keys

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestRotator_FirstCheckRotates(t *testing.T) {
	a, store := newTestAuthority(t)
	r, err := NewRotator(a, store)
	if err != nil {
		t.Fatalf("NewRotator() error = %v", err)
	}

	rotated, err := r.CheckAndRotate(context.Background())
	if err != nil {
		t.Fatalf("CheckAndRotate() error = %v", err)
	}
	if !rotated {
		t.Error("CheckAndRotate() should rotate when no rotation is recorded")
	}
}

func TestRotator_RespectsInterval(t *testing.T) {
	base := time.Now()
	clock := base

	a, store := newTestAuthority(t, WithClock(func() time.Time { return clock }))
	r, err := NewRotator(a, store,
		WithRotationInterval(time.Hour),
		WithRotatorClock(func() time.Time { return clock }),
	)
	if err != nil {
		t.Fatalf("NewRotator() error = %v", err)
	}
	ctx := context.Background()

	if rotated, _ := r.CheckAndRotate(ctx); !rotated {
		t.Fatal("first check should rotate")
	}

	clock = base.Add(30 * time.Minute)
	if rotated, _ := r.CheckAndRotate(ctx); rotated {
		t.Error("check inside the interval should not rotate")
	}

	clock = base.Add(2 * time.Hour)
	if rotated, _ := r.CheckAndRotate(ctx); !rotated {
		t.Error("check past the interval should rotate")
	}
}

// Tokens signed before a rotation must keep verifying afterwards, across
// several rotations, as long as their keys' TTLs have not elapsed.
func TestRotator_VerificationContinuity(t *testing.T) {
	base := time.Now()
	clock := base

	a, store := newTestAuthority(t, WithClock(func() time.Time { return clock }))
	r, err := NewRotator(a, store,
		WithRotationInterval(time.Hour),
		WithRotatorClock(func() time.Time { return clock }),
	)
	if err != nil {
		t.Fatalf("NewRotator() error = %v", err)
	}
	ctx := context.Background()

	var tokens []string
	for i := 0; i < 4; i++ {
		clock = base.Add(time.Duration(i) * 2 * time.Hour)
		if _, err := r.CheckAndRotate(ctx); err != nil {
			t.Fatalf("CheckAndRotate() round %d error = %v", i, err)
		}
		signed, err := a.Sign(ctx, jwt.MapClaims{"sub": "user", "round": i})
		if err != nil {
			t.Fatalf("Sign() round %d error = %v", i, err)
		}
		tokens = append(tokens, signed)
	}

	for i, signed := range tokens {
		if _, err := a.Verify(ctx, signed); err != nil {
			t.Errorf("token from round %d no longer verifies: %v", i, err)
		}
	}

	// Each rotation switched the signing key.
	jwks, err := a.JWKS(ctx)
	if err != nil {
		t.Fatalf("JWKS() error = %v", err)
	}
	if len(jwks.Keys) != 4 {
		t.Errorf("JWKS has %d keys, want 4 after 4 rotations", len(jwks.Keys))
	}
}
