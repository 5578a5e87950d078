package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func newTestService(t *testing.T) (*Service, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	repo := NewMemoryRepository()
	repo.now = clock.Now
	svc, err := NewService(repo, Options{Secret: "test-secret-0123456789", Issuer: "escrowflow-test"})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc.WithClock(clock.Now), clock
}

func sign(t *testing.T, message string, walletV bool) (string, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if walletV {
		sig[crypto.RecoveryIDOffset] += 27
	}
	return crypto.PubkeyToAddress(key.PublicKey).Hex(), hexutil.Encode(sig)
}

func TestService_ChallengeAndLogin(t *testing.T) {
	ctx := context.Background()

	for _, walletV := range []bool{false, true} {
		svc, _ := newTestService(t)
		key, err := crypto.GenerateKey()
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		addr := crypto.PubkeyToAddress(key.PublicKey)

		c, err := svc.Challenge(ctx, ChallengeRequest{Address: strings.ToLower(addr.Hex())})
		if err != nil {
			t.Fatalf("challenge: %v", err)
		}
		if !strings.Contains(c.Message, c.Nonce) || c.Address != addr {
			t.Fatalf("unexpected challenge: %+v", c)
		}

		sig, err := crypto.Sign(accounts.TextHash([]byte(c.Message)), key)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		if walletV {
			sig[crypto.RecoveryIDOffset] += 27
		}

		res, err := svc.Login(ctx, LoginRequest{Address: addr.Hex(), Signature: hexutil.Encode(sig)})
		if err != nil {
			t.Fatalf("login (walletV=%v): %v", walletV, err)
		}
		got, err := svc.VerifyToken(res.Token)
		if err != nil {
			t.Fatalf("verify: %v", err)
		}
		if got != addr {
			t.Fatalf("expected subject %s, got %s", addr.Hex(), got.Hex())
		}

		// the challenge is single use
		if _, err := svc.Login(ctx, LoginRequest{Address: addr.Hex(), Signature: hexutil.Encode(sig)}); !errors.Is(err, ErrChallengeMissing) {
			t.Fatalf("expected ErrChallengeMissing on replay, got %v", err)
		}
	}
}

func TestService_LoginRejectsForeignSignature(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	victim, _ := crypto.GenerateKey()
	addr := crypto.PubkeyToAddress(victim.PublicKey)
	c, err := svc.Challenge(ctx, ChallengeRequest{Address: addr.Hex()})
	if err != nil {
		t.Fatalf("challenge: %v", err)
	}

	_, sig := sign(t, c.Message, true)
	if _, err := svc.Login(ctx, LoginRequest{Address: addr.Hex(), Signature: sig}); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	if _, err := svc.Challenge(ctx, ChallengeRequest{Address: addr.Hex()}); err != nil {
		t.Fatalf("challenge: %v", err)
	}
	if _, err := svc.Login(ctx, LoginRequest{Address: addr.Hex(), Signature: "0xdeadbeef"}); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for short signature, got %v", err)
	}
}

func TestService_ChallengeExpires(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService(t)

	key, _ := crypto.GenerateKey()
	addr := crypto.PubkeyToAddress(key.PublicKey)
	c, err := svc.Challenge(ctx, ChallengeRequest{Address: addr.Hex()})
	if err != nil {
		t.Fatalf("challenge: %v", err)
	}
	sig, _ := crypto.Sign(accounts.TextHash([]byte(c.Message)), key)

	clock.now = clock.now.Add(10 * time.Minute)
	if _, err := svc.Login(ctx, LoginRequest{Address: addr.Hex(), Signature: hexutil.Encode(sig)}); !errors.Is(err, ErrChallengeMissing) {
		t.Fatalf("expected ErrChallengeMissing after expiry, got %v", err)
	}
}

func TestService_VerifyTokenRejects(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService(t)

	key, _ := crypto.GenerateKey()
	addr := crypto.PubkeyToAddress(key.PublicKey)
	c, _ := svc.Challenge(ctx, ChallengeRequest{Address: addr.Hex()})
	sig, _ := crypto.Sign(accounts.TextHash([]byte(c.Message)), key)
	res, err := svc.Login(ctx, LoginRequest{Address: addr.Hex(), Signature: hexutil.Encode(sig)})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	other, err := NewService(NewMemoryRepository(), Options{Secret: "another-secret-0123456789", Issuer: "escrowflow-test"})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if _, err := other.WithClock(clock.Now).VerifyToken(res.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for foreign key, got %v", err)
	}

	if _, err := svc.VerifyToken(res.Token + "x"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for tampered token, got %v", err)
	}

	clock.now = clock.now.Add(25 * time.Hour)
	if _, err := svc.VerifyToken(res.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestParseAddress(t *testing.T) {
	for _, raw := range []string{"", "0x123", "not-an-address", "0x0000000000000000000000000000000000000000"} {
		if _, err := ParseAddress(raw); !errors.Is(err, ErrInvalidAddress) {
			t.Errorf("ParseAddress(%q): expected ErrInvalidAddress, got %v", raw, err)
		}
	}
	if _, err := ParseAddress(" 0x00000000000000000000000000000000000000b1 "); err != nil {
		t.Fatalf("expected valid address: %v", err)
	}
}
