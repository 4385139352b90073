package crypto

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Signer signs transactions for one chain with one key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	signer  types.Signer
}

// NewSigner creates an EIP-155 signer for chainID.
func NewSigner(key *ecdsa.PrivateKey, chainID int64) (*Signer, error) {
	if key == nil {
		return nil, fmt.Errorf("crypto: nil signer key")
	}
	if chainID <= 0 {
		return nil, fmt.Errorf("crypto: invalid chain id %d", chainID)
	}
	return &Signer{
		key:     key,
		address: ethcrypto.PubkeyToAddress(key.PublicKey),
		signer:  types.NewEIP155Signer(big.NewInt(chainID)),
	}, nil
}

// Address is the account that pays for and sends transactions.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignTx signs tx.
func (s *Signer) SignTx(tx *types.Transaction) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, s.signer, s.key)
	if err != nil {
		return nil, fmt.Errorf("crypto: sign tx: %w", err)
	}
	return signed, nil
}

// Sender recovers the sending address of a signed transaction.
func (s *Signer) Sender(tx *types.Transaction) (common.Address, error) {
	return types.Sender(s.signer, tx)
}
