// Package apikey implements FuseVault's HMAC-signed API keys. A key's
// external form is
//
//	fv.v1.{wallet_tag8}.{nonce_b64url}.{sig_b64url}
//
// where wallet_tag8 is the last 8 lowercase hex chars of the owner address,
// the nonce is 16 random bytes, and the signature is the first 30 bytes of
// HMAC-SHA256 over everything before it, keyed with the server secret. Only
// SHA-256 of the full string is stored; the string itself is shown to the
// user exactly once at creation.
package apikey

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/fusevault/fusevault/params"
)

var (
	// ErrMalformed rejects keys that fail the five-part grammar.
	ErrMalformed = errors.New("apikey: malformed key")

	// ErrBadSignature rejects keys whose HMAC does not verify.
	ErrBadSignature = errors.New("apikey: signature mismatch")
)

// Parsed is the structural decomposition of a key string.
type Parsed struct {
	WalletTag string
	Nonce     string
	Sig       string
}

// SignedPart returns the portion of the key covered by the signature.
func (p Parsed) SignedPart() string {
	return fmt.Sprintf("%s.%s.%s.%s",
		params.APIKeyPrefix, params.APIKeyVersion, p.WalletTag, p.Nonce)
}

// WalletTag returns the last 8 lowercase hex chars of an address, the
// operator-facing attribution embedded in each key.
func WalletTag(address string) (string, error) {
	a := strings.ToLower(strings.TrimSpace(address))
	a = strings.TrimPrefix(a, "0x")
	if len(a) < params.APIKeyWalletTagLen {
		return "", fmt.Errorf("%w: address too short", ErrMalformed)
	}
	tag := a[len(a)-params.APIKeyWalletTagLen:]
	if _, err := hex.DecodeString(tag); err != nil {
		return "", fmt.Errorf("%w: address is not hex", ErrMalformed)
	}
	return tag, nil
}

// Generate mints a new key for the wallet. The signature is deterministic
// given nonce and secret; the nonce is fresh randomness per call.
func Generate(secret []byte, wallet string) (string, error) {
	tag, err := WalletTag(wallet)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, params.APIKeyNonceBytes)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("apikey: nonce: %w", err)
	}
	return generate(secret, tag, nonce), nil
}

func generate(secret []byte, tag string, nonce []byte) string {
	p := Parsed{
		WalletTag: tag,
		Nonce:     base64.RawURLEncoding.EncodeToString(nonce),
	}
	p.Sig = base64.RawURLEncoding.EncodeToString(sign(secret, p.SignedPart()))
	return p.SignedPart() + "." + p.Sig
}

func sign(secret []byte, signedPart string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(signedPart))
	return mac.Sum(nil)[:params.APIKeySigBytes]
}

// Parse validates the key structurally and splits it into its parts. No
// cryptographic work happens here.
func Parse(key string) (Parsed, error) {
	key = strings.TrimSpace(key)
	parts := strings.Split(key, ".")
	if len(parts) != 5 {
		return Parsed{}, fmt.Errorf("%w: %d parts", ErrMalformed, len(parts))
	}
	if parts[0] != params.APIKeyPrefix || parts[1] != params.APIKeyVersion {
		return Parsed{}, fmt.Errorf("%w: unknown scheme %s.%s", ErrMalformed, parts[0], parts[1])
	}
	p := Parsed{WalletTag: parts[2], Nonce: parts[3], Sig: parts[4]}
	if len(p.WalletTag) != params.APIKeyWalletTagLen {
		return Parsed{}, fmt.Errorf("%w: wallet tag length %d", ErrMalformed, len(p.WalletTag))
	}
	if _, err := hex.DecodeString(p.WalletTag); err != nil {
		return Parsed{}, fmt.Errorf("%w: wallet tag is not hex", ErrMalformed)
	}
	if p.WalletTag != strings.ToLower(p.WalletTag) {
		return Parsed{}, fmt.Errorf("%w: wallet tag not lowercase", ErrMalformed)
	}
	nonce, err := base64.RawURLEncoding.DecodeString(p.Nonce)
	if err != nil || len(nonce) != params.APIKeyNonceBytes {
		return Parsed{}, fmt.Errorf("%w: bad nonce", ErrMalformed)
	}
	sig, err := base64.RawURLEncoding.DecodeString(p.Sig)
	if err != nil || len(sig) != params.APIKeySigBytes {
		return Parsed{}, fmt.Errorf("%w: bad signature encoding", ErrMalformed)
	}
	return p, nil
}

// Verify recomputes the HMAC and compares in constant time.
func Verify(secret []byte, key string) (Parsed, error) {
	p, err := Parse(key)
	if err != nil {
		return Parsed{}, err
	}
	want := sign(secret, p.SignedPart())
	got, err := base64.RawURLEncoding.DecodeString(p.Sig)
	if err != nil {
		return Parsed{}, fmt.Errorf("%w: bad signature encoding", ErrMalformed)
	}
	if subtle.ConstantTimeCompare(want, got) != 1 {
		return Parsed{}, ErrBadSignature
	}
	return p, nil
}

// Hash returns the storage form of a key: hex SHA-256 of the full string.
func Hash(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}
