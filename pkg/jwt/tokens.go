package jwt

import (
	"errors"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// ErrMissingTeam indicates a token that carries no team identifier.
var ErrMissingTeam = errors.New("token has no team_id claim")

// TeamClaims is the payload the auth collaborator signs for callers of the orchestrator.
type TeamClaims struct {
	TeamID string `json:"team_id"`
	UserID string `json:"user_id,omitempty"`
	jwtlib.RegisteredClaims
}

// IssueTeamToken signs a team token. The orchestrator never issues tokens in
// production; this exists for the CLI and tests.
func IssueTeamToken(teamID, userID, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := TeamClaims{
		TeamID: teamID,
		UserID: userID,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    "previewd",
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseTeamToken extracts the team context from an HS256 token.
func ParseTeamToken(token, secret string) (*TeamClaims, error) {
	parsed, err := jwtlib.ParseWithClaims(token, &TeamClaims{}, func(t *jwtlib.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*TeamClaims)
	if !ok || !parsed.Valid {
		return nil, jwtlib.ErrTokenInvalidClaims
	}
	if strings.TrimSpace(claims.TeamID) == "" {
		return nil, ErrMissingTeam
	}
	return claims, nil
}
