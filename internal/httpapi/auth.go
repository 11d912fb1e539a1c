package httpapi

import (
	"errors"
	"slices"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"fieldsync/internal/domain"
	"fieldsync/internal/realtime"
)

const tokenIssuer = "fieldsync"

// AuthManager resolves bearer tokens into actors. Credentials are issued by
// the account service; this side only verifies signatures and reads claims.
type AuthManager struct {
	secret []byte
}

type fieldClaims struct {
	jwtlib.RegisteredClaims
	Role     string   `json:"role"`
	TenantID string   `json:"tenant_id"`
	Areas    []string `json:"areas,omitempty"`
}

func NewAuthManager(secret string) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	return &AuthManager{secret: []byte(secret)}
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &fieldClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return domain.Actor{}, errors.New("invalid or expired token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	if strings.TrimSpace(claims.TenantID) == "" {
		return domain.Actor{}, errors.New("token has no tenant")
	}
	return domain.Actor{
		Username: sub,
		Role:     claims.Role,
		TenantID: claims.TenantID,
		Areas:    claims.Areas,
	}, nil
}

// Sign issues a token for actor. Used by the agent CLI for development
// tokens and by tests.
func (a *AuthManager) Sign(actor domain.Actor, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = 8 * time.Hour
	}
	now := time.Now().UTC()
	claims := fieldClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   actor.Username,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
			Issuer:    tokenIssuer,
		},
		Role:     actor.Role,
		TenantID: actor.TenantID,
		Areas:    actor.Areas,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// canJoin reports whether actor may receive events on channel. Both channel
// kinds are limited to the actor's tenant; area channels further to the
// actor's areas unless the actor has none assigned or is an admin.
func canJoin(actor domain.Actor, channel string) bool {
	if tenantID, ok := strings.CutPrefix(channel, "tenant:"); ok {
		return tenantID == actor.TenantID
	}
	tenantID, area, ok := realtime.ParseAreaChannel(channel)
	if !ok || tenantID != actor.TenantID {
		return false
	}
	if len(actor.Areas) == 0 || actor.Role == "admin" {
		return true
	}
	return slices.Contains(actor.Areas, area)
}
