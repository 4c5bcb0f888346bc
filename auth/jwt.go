package auth

import (
	"net/http"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"

	"github.com/voicerelay/voicerelay/util"
)

// maxTokenValidity bounds exp-nbf; tokens valid for longer are rejected.
const maxTokenValidity = 31 * 24 * time.Hour

// JWT authenticates requests carrying an HS256-signed bearer JWT. Two
// secrets are accepted so that secrets can be rotated without cutting
// off clients holding tokens signed with the previous one. The identity
// is taken from the "sub" claim.
type JWT struct {
	secretA  []byte
	secretB  []byte
	audience string
	clock    func() time.Time
}

// NewJWT creates a JWT authenticator. Both secrets are required; pass
// the same value twice if rotation is not in progress. audience is
// matched against the "aud" claim when non-empty.
func NewJWT(secretA, secretB []byte, audience string) (*JWT, error) {
	if len(secretA) == 0 || len(secretB) == 0 {
		return nil, ErrMissingSecret
	}
	return &JWT{
		secretA:  secretA,
		secretB:  secretB,
		audience: audience,
		clock:    time.Now,
	}, nil
}

// Authenticate implements Authenticator.
func (a *JWT) Authenticate(r *http.Request) (string, error) {
	tokenString := util.ExtractBearer(r.Header.Get("Authorization"))
	if tokenString == "" {
		return "", ErrAuthFailed
	}

	claims, err := a.verify(tokenString, a.secretA)
	if err != nil {
		claims, err = a.verify(tokenString, a.secretB)
	}
	if err != nil {
		return "", ErrAuthFailed
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", ErrAuthFailed
	}
	return sub, nil
}

// verify parses and validates tokenString against one secret.
// jwt signing and verification algorithm must be HMAC.
func (a *JWT) verify(tokenString string, secret []byte) (jwt.MapClaims, error) {
	// the default parser verifies iat if present, which trips over
	// clocks that are not in sync; claims are checked explicitly below
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithoutClaimsValidation(),
	)

	token, err := parser.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrUnexpectedSigningMethod
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrTokenNotValid
	}

	now := a.clock().Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return nil, ErrTokenNotValid
	}
	if !claims.VerifyNotBefore(now, true) {
		return nil, ErrTokenNotValid
	}

	exp, expOK := claims["exp"].(float64)
	nbf, nbfOK := claims["nbf"].(float64)
	if !expOK || !nbfOK || exp-nbf > maxTokenValidity.Seconds() {
		return nil, ErrTokenNotValid
	}

	if !claims.VerifyAudience(a.audience, false) {
		return nil, ErrTokenNotValid
	}

	return claims, nil
}
