package actor

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Verifier validates bearer tokens minted by the surrounding identity system
// and maps their claims onto an Actor.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates tokenString and returns the embedded actor.
func (v *Verifier) Verify(tokenString string) (Actor, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Actor{}, fmt.Errorf("actor: parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Actor{}, fmt.Errorf("actor: invalid token")
	}

	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return Actor{}, fmt.Errorf("actor: invalid user_id in token")
	}
	roleStr, ok := claims["role"].(string)
	if !ok {
		return Actor{}, fmt.Errorf("actor: invalid role in token")
	}
	role := Role(roleStr)
	if !validRole(role) || role == RoleSystem {
		return Actor{}, fmt.Errorf("actor: invalid role %q in token", roleStr)
	}

	return Actor{ID: userID, Role: role}, nil
}
