package gate

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
)

// HeaderIdentity carries the admin identity assertion. Authorization: Bearer
// is accepted as well.
const HeaderIdentity = "X-Identity-Assertion"

const roleAdmin = "admin"

var (
	ErrNoAssertion      = errors.New("gate: no identity assertion")
	ErrInvalidAssertion = errors.New("gate: invalid identity assertion")
	ErrNotAdmin         = errors.New("gate: identity is not an admin")
)

type Identity struct {
	Subject string
	Role    string
}

// IdentityVerifier checks HS256-signed assertions issued with a shared secret.
type IdentityVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewIdentityVerifier(secret string) *IdentityVerifier {
	return &IdentityVerifier{secret: []byte(secret), now: time.Now}
}

// VerifyRequest extracts the assertion from r and requires an admin role.
func (v *IdentityVerifier) VerifyRequest(r *http.Request) (*Identity, error) {
	raw := strings.TrimSpace(r.Header.Get(HeaderIdentity))
	if raw == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			raw = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		}
	}
	if raw == "" {
		return nil, ErrNoAssertion
	}

	id, err := v.Verify(raw)
	if err != nil {
		return nil, err
	}
	if id.Role != roleAdmin {
		return nil, ErrNotAdmin
	}
	return id, nil
}

// Verify validates signature, algorithm and a mandatory exp claim.
func (v *IdentityVerifier) Verify(tokenString string) (*Identity, error) {
	parser := &jwt.Parser{ValidMethods: []string{jwt.SigningMethodHS256.Alg()}}
	token, err := parser.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAssertion, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidAssertion
	}
	if !claims.VerifyExpiresAt(v.now().Unix(), true) {
		return nil, fmt.Errorf("%w: missing or expired exp", ErrInvalidAssertion)
	}

	sub, _ := claims["sub"].(string)
	role, _ := claims["role"].(string)
	return &Identity{Subject: sub, Role: role}, nil
}

// IssueAdminToken signs an admin assertion for subject valid for ttl.
func IssueAdminToken(secret, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  subject,
		"role": roleAdmin,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	})
	return token.SignedString([]byte(secret))
}
