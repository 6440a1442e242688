package grants

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultTTL = 10 * time.Minute

// videoGrant mirrors the media platform's room-access grant block.
type videoGrant struct {
	RoomJoin       bool   `json:"roomJoin"`
	Room           string `json:"room"`
	CanPublish     bool   `json:"canPublish"`
	CanSubscribe   bool   `json:"canSubscribe"`
	CanPublishData bool   `json:"canPublishData"`
	Hidden         bool   `json:"hidden"`
}

// grantClaims is the platform access token: registered claims plus the video
// grant. The platform expects the API key as issuer and the participant
// identity as subject.
type grantClaims struct {
	Video videoGrant `json:"video"`
	jwt.RegisteredClaims
}

// Issuer mints platform access tokens signed with the account's API secret.
type Issuer struct {
	apiKey    string
	apiSecret []byte
	ttl       time.Duration
}

// NewIssuer creates a token issuer. ttl <= 0 falls back to ten minutes; a
// monitor token only needs to cover the websocket dial, not the whole session.
func NewIssuer(apiKey, apiSecret string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Issuer{apiKey: apiKey, apiSecret: []byte(apiSecret), ttl: ttl}
}

// TTL returns the configured token lifetime.
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// MintListenerToken creates a hidden, subscribe-only access token for the
// given room. The holder can hear the conversation but is invisible to the
// participants and cannot publish audio or data.
func (i *Issuer) MintListenerToken(room, identity string) (string, error) {
	if i.apiKey == "" || len(i.apiSecret) == 0 {
		return "", fmt.Errorf("grants: api key and secret required")
	}
	if room == "" || identity == "" {
		return "", fmt.Errorf("grants: room and identity required")
	}

	now := time.Now()
	claims := grantClaims{
		Video: videoGrant{
			RoomJoin:       true,
			Room:           room,
			CanPublish:     false,
			CanSubscribe:   true,
			CanPublishData: false,
			Hidden:         true,
		},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.apiKey,
			Subject:   identity,
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.apiSecret)
}
