package auth

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Challenge is a one-time login message a wallet must sign.
type Challenge struct {
	Address   common.Address
	Nonce     string
	Message   string
	ExpiresAt time.Time
}

// ChallengeRequest asks for a login challenge for an address.
type ChallengeRequest struct {
	Address string `json:"address"`
}

// LoginRequest carries the signature over a previously issued challenge.
type LoginRequest struct {
	Address   string `json:"address"`
	Signature string `json:"signature"`
}

// LoginResult bundles the session token and the authenticated address.
type LoginResult struct {
	Token     string
	Address   common.Address
	ExpiresAt time.Time
}
