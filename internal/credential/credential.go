// Package credential parses raw signing keys into in-memory signer handles.
//
// Keys are accepted as 32-byte hex strings. Formatting noise (whitespace, commas,
// semicolons) is stripped and a 0x prefix is added before validation. The canonical
// identity of a key is its chain address: EIP-55 checksummed hex for EVM chains, or the
// Base58 N3 address for Neo.
package credential

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/nspcc-dev/neo-go/pkg/crypto/keys"

	"github.com/R3E-Network/verifierpool/internal/logging"
)

// Scheme selects how a key maps to an address.
type Scheme string

const (
	SchemeEVM Scheme = "evm"
	SchemeNeo Scheme = "neo"
)

// KeyLength is the length of a normalized key including the 0x prefix.
const KeyLength = 66

var (
	// ErrInvalidCredential marks a single malformed key. It is never fatal on its own.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrNoValidCredentials means the input was empty or every key was rejected.
	ErrNoValidCredentials = errors.New("no valid credentials")
)

var separators = regexp.MustCompile(`[\s,;]+`)

// ParseScheme converts a config string into a Scheme.
func ParseScheme(s string) (Scheme, error) {
	switch Scheme(strings.ToLower(strings.TrimSpace(s))) {
	case "", SchemeEVM:
		return SchemeEVM, nil
	case SchemeNeo:
		return SchemeNeo, nil
	default:
		return "", fmt.Errorf("unknown credential scheme %q", s)
	}
}

// Normalize strips separators and guarantees a 0x prefix.
func Normalize(raw string) string {
	key := separators.ReplaceAllString(raw, "")
	if strings.HasPrefix(key, "0x") || strings.HasPrefix(key, "0X") {
		return "0x" + key[2:]
	}
	return "0x" + key
}

// Validate normalizes raw and derives a signer for it.
func Validate(raw string, scheme Scheme) (*Signer, error) {
	key := Normalize(raw)
	if len(key) != KeyLength {
		return nil, fmt.Errorf("%w: expected %d characters, got %d", ErrInvalidCredential, KeyLength, len(key))
	}
	keyBytes, err := hex.DecodeString(key[2:])
	if err != nil {
		return nil, fmt.Errorf("%w: not hexadecimal", ErrInvalidCredential)
	}

	switch scheme {
	case SchemeEVM, "":
		priv, err := crypto.ToECDSA(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
		}
		return newEVMSigner(priv), nil
	case SchemeNeo:
		priv, err := keys.NewPrivateKeyFromBytes(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
		}
		return newNeoSigner(priv), nil
	default:
		return nil, fmt.Errorf("%w: unknown scheme %q", ErrInvalidCredential, scheme)
	}
}

// Load validates every raw key and returns the usable signers keyed by address.
// Malformed entries are logged by index and skipped. Duplicate keys collapse onto
// one address.
func Load(ctx context.Context, raws []string, scheme Scheme, log *logging.Logger) (map[string]*Signer, error) {
	if len(raws) == 0 {
		return nil, fmt.Errorf("%w: no keys provided", ErrNoValidCredentials)
	}
	if log == nil {
		log = logging.NewNop()
	}

	signers := make(map[string]*Signer, len(raws))
	for i, raw := range raws {
		signer, err := Validate(raw, scheme)
		if err != nil {
			log.Warn(ctx, "rejected verifier credential", map[string]interface{}{
				"index": i,
				"error": err.Error(),
			})
			continue
		}
		signers[signer.Address()] = signer
	}

	if len(signers) == 0 {
		return nil, fmt.Errorf("%w: all %d keys rejected", ErrNoValidCredentials, len(raws))
	}
	return signers, nil
}

// SplitKeys splits a delimited key list from configuration into raw entries.
func SplitKeys(list string) []string {
	fields := strings.FieldsFunc(list, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\n' || r == '\t' || r == '\r'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Addresses returns the addresses of signers in no particular order.
func Addresses(signers map[string]*Signer) []string {
	out := make([]string, 0, len(signers))
	for addr := range signers {
		out = append(out, addr)
	}
	return out
}

func ecdsaFromNeo(priv *keys.PrivateKey) *ecdsa.PrivateKey {
	return &priv.PrivateKey
}
