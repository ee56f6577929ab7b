// Package identity verifies the bearer credential a client presents when it
// connects. Credentials are HS256 JWTs issued by the control-plane auth
// service with the tenant, user, and display name embedded as claims.
package identity

import (
	"context"
	"log/slog"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"

	"github.com/realcast/chatcore/internal/domain"
)

// Verifier validates a credential against a claimed tenant and yields the
// verified principal. Must succeed before any room join is accepted.
type Verifier interface {
	Verify(ctx context.Context, credential, claimedTenantID string) (domain.Principal, error)
}

type credentialClaims struct {
	TenantID    string `json:"tid"`
	DisplayName string `json:"dn"`
	jwt.RegisteredClaims
}

// JWTVerifier verifies HS256 credentials with a shared signing key.
type JWTVerifier struct {
	key   []byte
	clock clockwork.Clock
}

func NewJWTVerifier(signingKey string, clock clockwork.Clock) *JWTVerifier {
	return &JWTVerifier{key: []byte(signingKey), clock: clock}
}

// Verify checks the signature and expiry claim and confirms the claimed
// tenant matches the credential's embedded tenant. The only side effect is
// an audit log entry.
func (v *JWTVerifier) Verify(ctx context.Context, credential, claimedTenantID string) (domain.Principal, error) {
	claims := &credentialClaims{}
	token, err := jwt.ParseWithClaims(credential, claims,
		func(token *jwt.Token) (any, error) { return v.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.clock.Now),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		slog.WarnContext(ctx, "Credential rejected", "tenant_claimed", claimedTenantID, "error", err)
		return domain.Principal{}, domain.AuthenticationFailed("invalid or expired credential")
	}

	if claims.Subject == "" || claims.TenantID == "" {
		slog.WarnContext(ctx, "Credential rejected: missing claims", "tenant_claimed", claimedTenantID)
		return domain.Principal{}, domain.AuthenticationFailed("credential missing required claims")
	}

	if claims.TenantID != claimedTenantID {
		slog.WarnContext(ctx, "Credential rejected: tenant mismatch",
			"tenant_claimed", claimedTenantID, "tenant_embedded", claims.TenantID)
		return domain.Principal{}, domain.AuthenticationFailed("tenant mismatch")
	}

	principal := domain.Principal{
		TenantID:    claims.TenantID,
		UserID:      claims.Subject,
		DisplayName: claims.DisplayName,
	}
	if principal.DisplayName == "" {
		principal.DisplayName = principal.UserID
	}

	slog.InfoContext(ctx, "Credential verified", "tenant", principal.TenantID, "user", principal.UserID)
	return principal, nil
}
