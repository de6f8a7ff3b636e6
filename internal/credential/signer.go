package credential

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/nspcc-dev/neo-go/pkg/crypto/keys"
	"github.com/nspcc-dev/neo-go/pkg/util"
	"github.com/nspcc-dev/neo-go/pkg/wallet"
)

// Signer is the process-local handle for one verifier identity. It is never persisted
// and never shared across processes.
type Signer struct {
	address string
	scheme  Scheme
	key     *ecdsa.PrivateKey
	neoKey  *keys.PrivateKey
}

func newEVMSigner(priv *ecdsa.PrivateKey) *Signer {
	return &Signer{
		address: crypto.PubkeyToAddress(priv.PublicKey).Hex(),
		scheme:  SchemeEVM,
		key:     priv,
	}
}

func newNeoSigner(priv *keys.PrivateKey) *Signer {
	return &Signer{
		address: priv.Address(),
		scheme:  SchemeNeo,
		key:     ecdsaFromNeo(priv),
		neoKey:  priv,
	}
}

// Address returns the canonical identity of the signer.
func (s *Signer) Address() string { return s.address }

// Scheme returns the address scheme the signer was loaded with.
func (s *Signer) Scheme() Scheme { return s.scheme }

// PrivateKey returns the underlying key. Callers must not log or persist it.
func (s *Signer) PrivateKey() *ecdsa.PrivateKey { return s.key }

// String prints the address only.
func (s *Signer) String() string {
	return fmt.Sprintf("%s(%s)", s.scheme, s.address)
}

// CommonAddress returns the EVM address of the signer.
func (s *Signer) CommonAddress() (common.Address, error) {
	if s.scheme != SchemeEVM {
		return common.Address{}, fmt.Errorf("signer %s is not an evm signer", s.address)
	}
	return common.HexToAddress(s.address), nil
}

// TransactOpts builds contract-binding transact options bound to this signer.
func (s *Signer) TransactOpts(chainID *big.Int) (*bind.TransactOpts, error) {
	if s.scheme != SchemeEVM {
		return nil, fmt.Errorf("signer %s is not an evm signer", s.address)
	}
	if chainID == nil {
		return nil, fmt.Errorf("chain id required")
	}
	return bind.NewKeyedTransactorWithChainID(s.key, chainID)
}

// SignTx signs an EVM transaction for the given chain.
func (s *Signer) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if s.scheme != SchemeEVM {
		return nil, fmt.Errorf("signer %s is not an evm signer", s.address)
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

// NeoAccount returns a neo-go wallet account usable with neo-go actors.
func (s *Signer) NeoAccount() (*wallet.Account, error) {
	if s.scheme != SchemeNeo {
		return nil, fmt.Errorf("signer %s is not a neo signer", s.address)
	}
	return wallet.NewAccountFromPrivateKey(s.neoKey), nil
}

// SignHash signs a 32-byte digest. EVM signatures are 65-byte [R || S || V];
// Neo signatures are 64-byte [R || S].
func (s *Signer) SignHash(hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("hash must be 32 bytes, got %d", len(hash))
	}
	switch s.scheme {
	case SchemeNeo:
		var digest util.Uint256
		copy(digest[:], hash)
		return s.neoKey.SignHash(digest), nil
	default:
		return crypto.Sign(hash, s.key)
	}
}
