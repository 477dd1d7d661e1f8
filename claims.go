package talentbridge

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the decoded, unverified view of a session token. Signature
// verification happens server-side.
type Claims struct {
	Subject   string
	Scope     []string
	ExpiresAt time.Time // zero when the token carries no exp claim
}

// HasExpiry reports whether the token had a decodable expiry. Tokens without
// one are never proactively refreshed.
func (c Claims) HasExpiry() bool { return !c.ExpiresAt.IsZero() }

// ExpiresAtEpochMs returns the expiry in Unix milliseconds, or 0.
func (c Claims) ExpiresAtEpochMs() int64 {
	if c.ExpiresAt.IsZero() {
		return 0
	}
	return c.ExpiresAt.UnixMilli()
}

// HasScope reports whether role is one of the token's scopes.
func (c Claims) HasScope(role string) bool {
	for _, s := range c.Scope {
		if s == role {
			return true
		}
	}
	return false
}

// scopeList accepts both the space-delimited OAuth form and a JSON array.
type scopeList []string

func (s *scopeList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = strings.Fields(single)
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

type sessionClaims struct {
	jwt.RegisteredClaims
	Scope  scopeList `json:"scope,omitempty"`
	Role   string    `json:"role,omitempty"`
	Roles  []string  `json:"roles,omitempty"`
	UserID string    `json:"userId,omitempty"`
}

var claimsParser = jwt.NewParser()

// DecodeClaims reads subject, scope and expiry from token without verifying
// its signature. It never panics; callers treat any error as "no expiry known".
func DecodeClaims(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, &DecodeError{Reason: "empty token", Err: ErrNoToken}
	}

	var sc sessionClaims
	if _, _, err := claimsParser.ParseUnverified(token, &sc); err != nil {
		return Claims{}, &DecodeError{Reason: "malformed token", Err: err}
	}

	c := Claims{Subject: sc.Subject}
	if c.Subject == "" {
		c.Subject = sc.UserID
	}
	if sc.ExpiresAt != nil {
		c.ExpiresAt = sc.ExpiresAt.Time
	}

	seen := make(map[string]bool)
	add := func(role string) {
		if role != "" && !seen[role] {
			seen[role] = true
			c.Scope = append(c.Scope, role)
		}
	}
	for _, s := range sc.Scope {
		add(s)
	}
	add(sc.Role)
	for _, r := range sc.Roles {
		add(r)
	}
	return c, nil
}
