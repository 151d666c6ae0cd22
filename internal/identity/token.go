package identity

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const tokenIssuer = "coachpipe-link"

// ErrInvalidToken is returned for a link token with a bad signature, a wrong
// issuer or an expired claim.
var ErrInvalidToken = errors.New("identity: invalid link token")

var reLinkToken = regexp.MustCompile(`(?i)\bLINK:\s*([A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+)`)

// LinkClaims are the claims carried by a link token. The jti is the id of the
// link_tokens row that makes the token single-use.
type LinkClaims struct {
	Purpose models.LinkTokenPurpose `json:"pur"`
	Phone   string                  `json:"phn,omitempty"`
	jwt.RegisteredClaims
}

// Signer issues and verifies HS256 link tokens.
type Signer struct {
	key []byte
}

func NewSigner(key []byte) (*Signer, error) {
	if len(key) == 0 {
		return nil, errors.New("identity: empty link signing key")
	}
	return &Signer{key: key}, nil
}

// Issue signs a token for accountID. phone is the number that asked for it.
func (s *Signer) Issue(accountID, phone string, purpose models.LinkTokenPurpose, ttl time.Duration, now time.Time) (string, *LinkClaims, error) {
	claims := &LinkClaims{
		Purpose: purpose,
		Phone:   phone,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   accountID,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", nil, fmt.Errorf("sign link token: %w", err)
	}
	return raw, claims, nil
}

// Verify checks signature, issuer and expiry at now. Nothing is read from the
// datastore; single use is enforced when the token row is consumed.
func (s *Signer) Verify(raw string, now time.Time) (*LinkClaims, error) {
	claims := &LinkClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.ID == "" || claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing jti or subject", ErrInvalidToken)
	}
	return claims, nil
}

// ExtractToken returns the token of a "LINK:<token>" message.
func ExtractToken(text string) (string, bool) {
	m := reLinkToken.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// DeepLink builds the wa.me link that pre-fills "LINK:<token>" in a chat with
// the bot.
func DeepLink(botPhone, token string) string {
	digits := strings.TrimPrefix(strings.TrimSpace(botPhone), "+")
	return "https://wa.me/" + digits + "?text=" + url.QueryEscape("LINK:"+token)
}
