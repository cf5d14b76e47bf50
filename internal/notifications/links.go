package notifications

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// LinkSigner issues and verifies the signed tokens embedded in
// unsubscribe and manage-preferences links. Tokens bind a recipient to
// a player key so a leaked link cannot alter another subscription.
// Tokens carry no expiry: unsubscribe links in old mail must keep
// working.
type LinkSigner struct {
	secret []byte
}

// LinkClaims is the verified content of an unsubscribe token.
type LinkClaims struct {
	RecipientID string
	PlayerKey   string
	Action      string
}

// Link token actions.
const (
	ActionUnsubscribe = "unsubscribe"
	ActionPreferences = "preferences"
)

// NewLinkSigner creates a signer from the configured secret.
func NewLinkSigner(secret string) (*LinkSigner, error) {
	if secret == "" {
		return nil, errors.New("link signer: secret is required")
	}
	return &LinkSigner{secret: []byte(secret)}, nil
}

// Sign issues a token for the given action on a (recipient, player)
// pair. Output is deterministic for fixed inputs.
func (s *LinkSigner) Sign(action, recipientID, playerKey string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"act":    action,
		"rcp":    recipientID,
		"player": playerKey,
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign link token: %w", err)
	}
	return signed, nil
}

// Verify parses a token and returns its claims. Tokens signed with any
// other method or key are rejected.
func (s *LinkSigner) Verify(tokenString string) (*LinkClaims, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse link token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid link token")
	}

	lc := &LinkClaims{}
	if v, ok := claims["rcp"].(string); ok {
		lc.RecipientID = v
	}
	if v, ok := claims["player"].(string); ok {
		lc.PlayerKey = v
	}
	if v, ok := claims["act"].(string); ok {
		lc.Action = v
	}
	if lc.RecipientID == "" || lc.Action == "" {
		return nil, errors.New("link token missing claims")
	}
	return lc, nil
}
