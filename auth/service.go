package auth

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

var (
	// ErrInvalidAddress signals a malformed hex address.
	ErrInvalidAddress = errors.New("auth: invalid address")
	// ErrInvalidSignature signals a signature that does not recover to the claimed address.
	ErrInvalidSignature = errors.New("auth: invalid signature")
	// ErrInvalidToken signals a missing, expired or tampered session token.
	ErrInvalidToken = errors.New("auth: invalid token")
)

const signingKeyInfo = "escrowflow session token v1"

// Options configures token issuance.
type Options struct {
	Secret       string
	Issuer       string
	TokenTTL     time.Duration
	ChallengeTTL time.Duration
}

// Service authenticates wallets by signed challenge and issues JWT sessions
// whose subject is the wallet address.
type Service struct {
	repo         Repository
	signingKey   []byte
	issuer       string
	tokenTTL     time.Duration
	challengeTTL time.Duration
	now          func() time.Time
}

// NewService derives the HMAC signing key from the configured secret.
func NewService(repo Repository, opts Options) (*Service, error) {
	if opts.Secret == "" {
		return nil, fmt.Errorf("auth: empty secret")
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(opts.Secret), nil, []byte(signingKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("auth: derive signing key: %w", err)
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 24 * time.Hour
	}
	if opts.ChallengeTTL <= 0 {
		opts.ChallengeTTL = 5 * time.Minute
	}
	return &Service{
		repo:         repo,
		signingKey:   key,
		issuer:       opts.Issuer,
		tokenTTL:     opts.TokenTTL,
		challengeTTL: opts.ChallengeTTL,
		now:          time.Now,
	}, nil
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// ParseAddress validates a hex address.
func ParseAddress(raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	addr := common.HexToAddress(raw)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: zero address", ErrInvalidAddress)
	}
	return addr, nil
}

// Challenge issues a fresh login message for the address, replacing any
// outstanding one.
func (s *Service) Challenge(ctx context.Context, req ChallengeRequest) (Challenge, error) {
	addr, err := ParseAddress(req.Address)
	if err != nil {
		return Challenge{}, err
	}
	nonce := uuid.NewString()
	c := Challenge{
		Address:   addr,
		Nonce:     nonce,
		Message:   fmt.Sprintf("Sign in to escrowflow\naddress: %s\nnonce: %s", addr.Hex(), nonce),
		ExpiresAt: s.now().Add(s.challengeTTL),
	}
	if err := s.repo.SaveChallenge(ctx, c); err != nil {
		return Challenge{}, err
	}
	return c, nil
}

// Login verifies an EIP-191 personal signature over the pending challenge and
// returns a session token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	addr, err := ParseAddress(req.Address)
	if err != nil {
		return LoginResult{}, err
	}
	c, err := s.repo.TakeChallenge(ctx, addr)
	if err != nil {
		return LoginResult{}, err
	}

	signer, err := recoverSigner(c.Message, req.Signature)
	if err != nil {
		return LoginResult{}, err
	}
	if signer != addr {
		return LoginResult{}, fmt.Errorf("%w: signed by %s", ErrInvalidSignature, signer.Hex())
	}

	token, expires, err := s.generateToken(addr)
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: generate token: %w", err)
	}
	return LoginResult{Token: token, Address: addr, ExpiresAt: expires}, nil
}

func recoverSigner(message, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(strings.TrimSpace(signature))
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: malformed signature", ErrInvalidSignature)
	}
	// wallets emit v as 27/28
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifyToken validates a session token and returns the caller address.
func (s *Service) VerifyToken(tokenString string) (common.Address, error) {
	claims := &jwt.RegisteredClaims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return s.signingKey, nil
	}, opts...)
	if err != nil || !token.Valid {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	addr, err := ParseAddress(claims.Subject)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}
	return addr, nil
}

func (s *Service) generateToken(addr common.Address) (string, time.Time, error) {
	now := s.now()
	expires := now.Add(s.tokenTTL)
	claims := jwt.RegisteredClaims{
		Subject:   addr.Hex(),
		Issuer:    s.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
		ID:        uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}
