package authority

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"venality/internal/domain"
	"venality/internal/registry"
)

// Operation names delegated signatures bind to.
const (
	OpNewOffice = "new_office"
	OpRevoke    = "revoke"
)

// Signature is the authorization artifact privileged operations carry: either
// self-authorizing (the host already verified the invoker) or a delegated
// compact JWS binding the signer to one operation, office and nonce.
type Signature struct {
	invoker      domain.Identity
	token        string
	expectOp     string
	expectOffice string
}

func Invoker(id domain.Identity) Signature {
	return Signature{invoker: id}
}

func Bearer(token string) Signature {
	return Signature{token: token}
}

func (s Signature) SelfAuthorizing() bool {
	return s.token == ""
}

// ForOperation pins the operation and office a delegated signature must have
// been issued for. The engine brands signatures before verifying them.
func (s Signature) ForOperation(op string, office domain.OfficeID) Signature {
	s.expectOp = op
	s.expectOffice = office.String()
	return s
}

// Keyring maps identities to their ed25519 verification keys.
type Keyring map[domain.Identity]ed25519.PublicKey

// ParseKeyring decodes a base64-encoded identity -> public key map, as it
// appears in the config file.
func ParseKeyring(raw map[string]string) (Keyring, error) {
	ring := Keyring{}
	for id, enc := range raw {
		key, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("keyring %s: %w", id, err)
		}
		if len(key) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("keyring %s: want %d-byte ed25519 public key, got %d bytes", id, ed25519.PublicKeySize, len(key))
		}
		ring[domain.Identity(id)] = ed25519.PublicKey(key)
	}
	return ring, nil
}

// Authority authenticates privileged callers against the stored configuration
// and consumes single-use nonces.
type Authority struct {
	Registry registry.Registry
	Keys     Keyring
}

type opClaims struct {
	jwt.RegisteredClaims
	Op     string `json:"op"`
	Office string `json:"office"`
	Nonce  uint64 `json:"nonce"`
}

func (a Authority) verifyToken(sig Signature) (*opClaims, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}))
	claims := &opClaims{}
	parsed, err := parser.ParseWithClaims(sig.token, claims, func(t *jwt.Token) (any, error) {
		sub, err := t.Claims.GetSubject()
		if err != nil || sub == "" {
			return nil, errors.New("subject claim required")
		}
		key, ok := a.Keys[domain.Identity(sub)]
		if !ok {
			return nil, fmt.Errorf("no key registered for %s", sub)
		}
		return key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("signature: %v: %w", err, domain.ErrUnauthorized)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("signature invalid: %w", domain.ErrUnauthorized)
	}
	if sig.expectOp != "" && claims.Op != sig.expectOp {
		return nil, fmt.Errorf("signature bound to op %q, not %q: %w", claims.Op, sig.expectOp, domain.ErrUnauthorized)
	}
	if sig.expectOffice != "" && claims.Office != sig.expectOffice {
		return nil, fmt.Errorf("signature bound to office %s, not %s: %w", claims.Office, sig.expectOffice, domain.ErrUnauthorized)
	}
	return claims, nil
}

func (a Authority) resolve(sig Signature) (domain.Identity, error) {
	if sig.SelfAuthorizing() {
		if sig.invoker == "" {
			return "", fmt.Errorf("empty invoker: %w", domain.ErrUnauthorized)
		}
		return sig.invoker, nil
	}
	claims, err := a.verifyToken(sig)
	if err != nil {
		return "", err
	}
	return domain.Identity(claims.Subject), nil
}

// CheckAdmin resolves the signature to an identity and requires it to equal
// the stored configuration's admin.
func (a Authority) CheckAdmin(ctx context.Context, sig Signature) (domain.Identity, error) {
	cfg, err := a.Registry.GetConfiguration(ctx)
	if err != nil {
		return "", err
	}
	ident, err := a.resolve(sig)
	if err != nil {
		return "", err
	}
	if ident != cfg.Admin {
		return "", fmt.Errorf("identity %s is not the admin: %w", ident, domain.ErrUnauthorized)
	}
	return ident, nil
}

// VerifyAndConsumeNonce enforces the replay discipline. Self-authorizing
// signatures must claim nonce 0 and touch no counter. Delegated signatures
// must claim exactly the signed nonce and the identity's stored counter,
// which is then advanced by one. Strictly sequential use, no window.
func (a Authority) VerifyAndConsumeNonce(ctx context.Context, sig Signature, claimed uint64) error {
	if sig.SelfAuthorizing() {
		if claimed != 0 {
			return fmt.Errorf("self-authorizing signature claims nonce %d, want 0: %w", claimed, domain.ErrInvalidNonce)
		}
		return nil
	}
	claims, err := a.verifyToken(sig)
	if err != nil {
		return err
	}
	if claims.Nonce != claimed {
		return fmt.Errorf("signature binds nonce %d, claimed %d: %w", claims.Nonce, claimed, domain.ErrInvalidNonce)
	}
	ident := domain.Identity(claims.Subject)
	current, err := a.Registry.Nonce(ctx, ident)
	if err != nil {
		return err
	}
	if claimed != current {
		return fmt.Errorf("nonce %d for %s, expected %d: %w", claimed, ident, current, domain.ErrInvalidNonce)
	}
	return a.Registry.SetNonce(ctx, ident, current+1)
}

// Sign issues the delegated JWS for one privileged operation.
func Sign(key ed25519.PrivateKey, identity domain.Identity, op string, office domain.OfficeID, nonce uint64) (string, error) {
	claims := opClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: string(identity)},
		Op:               op,
		Office:           office.String(),
		Nonce:            nonce,
	}
	return jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(key)
}
