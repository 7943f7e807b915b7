package auth

import "context"

type claimsKey struct{}

// WithClaims stores verified access claims on the context.
func WithClaims(ctx context.Context, claims AccessClaims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// ClaimsFromContext returns the claims stored by WithClaims.
func ClaimsFromContext(ctx context.Context) (AccessClaims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(AccessClaims)
	return claims, ok
}
