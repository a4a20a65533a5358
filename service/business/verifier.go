package business

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pitabwire/frame"
	"github.com/pitabwire/frame/security"
)

// frameTokenVerifier validates bearer tokens against the service's
// configured OAuth2 issuer and resolves the collaborator claims.
type frameTokenVerifier struct {
	svc      *frame.Service
	audience string
	issuer   string
}

// NewTokenVerifier creates a verifier backed by the service's security manager.
func NewTokenVerifier(svc *frame.Service, audience, issuer string) TokenVerifier {
	return &frameTokenVerifier{
		svc:      svc,
		audience: audience,
		issuer:   issuer,
	}
}

func (v *frameTokenVerifier) Verify(
	ctx context.Context,
	token string,
) (*security.AuthenticationClaims, error) {
	if token == "" {
		return nil, ErrTokenMissing
	}

	authCtx, err := v.svc.Authenticate(ctx, token, v.audience, v.issuer)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %w", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	claims := security.ClaimsFromContext(authCtx)
	if claims == nil {
		return nil, ErrTokenInvalid
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return nil, ErrTokenMalformed
	}

	return claims, nil
}
