package httpapi

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Role is the privilege level of an authenticated caller.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"

	contextKeyRole     = "smsrelay_role"
	contextKeySubject  = "smsrelay_subject"
	headerAPIKey       = "X-API-Key"
	headerAuthenticate = "WWW-Authenticate"
	bearerPrefix       = "Bearer "
	authRealm          = `Basic realm="smsrelay"`
	apiKeySubject      = "api-key"
)

var errTokensDisabled = errors.New("token issuing is disabled")

type credentialPair struct {
	user     string
	password string
}

func (pair credentialPair) matches(user string, password string) bool {
	if pair.user == "" {
		return false
	}
	userMatch := subtle.ConstantTimeCompare([]byte(pair.user), []byte(user))
	passwordMatch := subtle.ConstantTimeCompare([]byte(pair.password), []byte(password))
	return userMatch&passwordMatch == 1
}

type tokenClaims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// AccessGate authenticates callers by basic credentials, signed bearer tokens, or the static API key.
type AccessGate struct {
	admin      credentialPair
	user       credentialPair
	apiKey     string
	signingKey []byte
	issuer     string
	tokenTTL   time.Duration
	nowFn      func() time.Time
}

// NewAccessGate builds the gate from a validated Config.
func NewAccessGate(cfg Config, now func() time.Time) *AccessGate {
	if now == nil {
		now = time.Now
	}
	return &AccessGate{
		admin:      credentialPair{user: cfg.AdminUser, password: cfg.AdminPassword},
		user:       credentialPair{user: cfg.UserUser, password: cfg.UserPassword},
		apiKey:     cfg.APIKey,
		signingKey: []byte(cfg.TokenSigningKey),
		issuer:     cfg.TokenIssuer,
		tokenTTL:   cfg.TokenTTL,
		nowFn:      now,
	}
}

// TokensEnabled reports whether bearer tokens can be issued and accepted.
func (gate *AccessGate) TokensEnabled() bool {
	return len(gate.signingKey) > 0
}

// IssueToken signs a bearer token carrying role.
func (gate *AccessGate) IssueToken(subject string, role Role) (string, time.Time, error) {
	if !gate.TokensEnabled() {
		return "", time.Time{}, errTokensDisabled
	}
	issuedAt := gate.nowFn().UTC()
	expiresAt := issuedAt.Add(gate.tokenTTL)
	claims := tokenClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    gate.issuer,
			Subject:   subject,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(gate.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Authenticate resolves the caller's role. allowAPIKey admits the static key as a standard-role credential.
func (gate *AccessGate) Authenticate(request *http.Request, allowAPIKey bool) (Role, string, bool) {
	authorization := request.Header.Get("Authorization")
	if strings.HasPrefix(authorization, bearerPrefix) {
		if !gate.TokensEnabled() {
			return "", "", false
		}
		return gate.bearerRole(strings.TrimSpace(strings.TrimPrefix(authorization, bearerPrefix)))
	}
	if role, subject, ok := gate.basicRole(request); ok {
		return role, subject, true
	}
	if allowAPIKey && gate.apiKey != "" {
		key := request.Header.Get(headerAPIKey)
		if key != "" && subtle.ConstantTimeCompare([]byte(key), []byte(gate.apiKey)) == 1 {
			return RoleUser, apiKeySubject, true
		}
	}
	return "", "", false
}

func (gate *AccessGate) basicRole(request *http.Request) (Role, string, bool) {
	user, password, ok := request.BasicAuth()
	if !ok {
		return "", "", false
	}
	if gate.admin.matches(user, password) {
		return RoleAdmin, user, true
	}
	if gate.user.matches(user, password) {
		return RoleUser, user, true
	}
	return "", "", false
}

func (gate *AccessGate) bearerRole(raw string) (Role, string, bool) {
	claims := &tokenClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return gate.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(gate.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(gate.nowFn),
	)
	if err != nil || !token.Valid {
		return "", "", false
	}
	switch claims.Role {
	case RoleAdmin, RoleUser:
		return claims.Role, claims.Subject, true
	default:
		return "", "", false
	}
}

func (role Role) satisfies(required Role) bool {
	return role == required || role == RoleAdmin
}

// Require aborts the request with 401 unless the caller holds required. Admin satisfies every role.
func (gate *AccessGate) Require(required Role, allowAPIKey bool) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		role, subject, ok := gate.Authenticate(ctx.Request, allowAPIKey)
		if !ok || !role.satisfies(required) {
			ctx.Header(headerAuthenticate, authRealm)
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized"))
			return
		}
		ctx.Set(contextKeyRole, role)
		ctx.Set(contextKeySubject, subject)
		ctx.Next()
	}
}
