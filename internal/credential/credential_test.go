package credential

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	knownKey     = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	knownAddress = "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"abc", "0xabc"},
		{"0xabc", "0xabc"},
		{"0Xabc", "0xabc"},
		{" ab, c;\n", "0xabc"},
		{"0x ab\tc", "0xabc"},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestValidate_EVMDerivesChecksummedAddress(t *testing.T) {
	for _, raw := range []string{knownKey, "0x" + knownKey, "  " + knownKey[:10] + " " + knownKey[10:] + ";"} {
		signer, err := Validate(raw, SchemeEVM)
		require.NoError(t, err, raw)
		assert.Equal(t, knownAddress, signer.Address())
		assert.Equal(t, SchemeEVM, signer.Scheme())
	}
}

func TestValidate_Rejects(t *testing.T) {
	tests := map[string]string{
		"short":     "0x1234",
		"long":      "0x" + knownKey + "00",
		"non-hex":   "0x" + strings.Repeat("zz", 32),
		"zero key":  "0x" + strings.Repeat("00", 32),
		"empty":     "",
		"only 0x":   "0x",
		"separator": ",;",
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Validate(raw, SchemeEVM)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidCredential), "got %v", err)
		})
	}
}

func TestValidate_Neo(t *testing.T) {
	signer, err := Validate(knownKey, SchemeNeo)
	require.NoError(t, err)
	assert.Equal(t, SchemeNeo, signer.Scheme())
	assert.True(t, strings.HasPrefix(signer.Address(), "N"), signer.Address())
	assert.Len(t, signer.Address(), 34)

	acc, err := signer.NeoAccount()
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), acc.Address)

	_, err = signer.TransactOpts(big.NewInt(1))
	assert.Error(t, err)
}

func TestLoad_DropsInvalidKeepsValid(t *testing.T) {
	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	otherHex := hex.EncodeToString(crypto.FromECDSA(other))

	signers, err := Load(context.Background(), []string{
		"garbage",
		knownKey,
		"0x" + knownKey, // duplicate of the first valid key
		otherHex,
	}, SchemeEVM, nil)
	require.NoError(t, err)
	assert.Len(t, signers, 2)
	assert.Contains(t, signers, knownAddress)
	assert.Contains(t, signers, crypto.PubkeyToAddress(other.PublicKey).Hex())
}

func TestLoad_NoValidCredentials(t *testing.T) {
	_, err := Load(context.Background(), nil, SchemeEVM, nil)
	assert.True(t, errors.Is(err, ErrNoValidCredentials))

	_, err = Load(context.Background(), []string{"nope", "0x12"}, SchemeEVM, nil)
	assert.True(t, errors.Is(err, ErrNoValidCredentials))
}

func TestSigner_SignHashRecoversAddress(t *testing.T) {
	signer, err := Validate(knownKey, SchemeEVM)
	require.NoError(t, err)

	hash := crypto.Keccak256([]byte("verifier"))
	sig, err := signer.SignHash(hash)
	require.NoError(t, err)
	require.Len(t, sig, 65)

	pub, err := crypto.SigToPub(hash, sig)
	require.NoError(t, err)
	assert.Equal(t, knownAddress, crypto.PubkeyToAddress(*pub).Hex())

	_, err = signer.SignHash([]byte("short"))
	assert.Error(t, err)
}

func TestSigner_TransactOpts(t *testing.T) {
	signer, err := Validate(knownKey, SchemeEVM)
	require.NoError(t, err)

	opts, err := signer.TransactOpts(big.NewInt(1337))
	require.NoError(t, err)
	assert.Equal(t, knownAddress, opts.From.Hex())

	_, err = signer.TransactOpts(nil)
	assert.Error(t, err)
}

func TestSigner_StringHidesKey(t *testing.T) {
	signer, err := Validate(knownKey, SchemeEVM)
	require.NoError(t, err)
	assert.NotContains(t, signer.String(), knownKey)
	assert.Contains(t, signer.String(), knownAddress)
}

func TestSplitKeys(t *testing.T) {
	got := SplitKeys("a, b;c\n d\t,,")
	assert.Equal(t, []string{"a", "b", "c", "d"}, got)
	assert.Empty(t, SplitKeys(" ,; "))
}

func TestParseScheme(t *testing.T) {
	s, err := ParseScheme("")
	require.NoError(t, err)
	assert.Equal(t, SchemeEVM, s)

	s, err = ParseScheme("NEO")
	require.NoError(t, err)
	assert.Equal(t, SchemeNeo, s)

	_, err = ParseScheme("solana")
	assert.Error(t, err)
}
