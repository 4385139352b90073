// Package crypto loads the settlement signer key and signs EVM transactions.
//
// Keys at rest are AES-256-GCM encrypted with a key derived from a password
// by PBKDF2-HMAC-SHA256.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/pbkdf2"
)

const (
	kdfIterations = 480_000
	saltLen       = 16
	aesKeyLen     = 32
	fileVersion   = 1
)

// additionalData binds the ciphertext to this file format.
var additionalData = []byte("predictarena-signer-v1")

// ErrWrongPassword is returned when the key file does not open with the
// given password.
var ErrWrongPassword = errors.New("crypto: wrong password or corrupted key file")

type keyFile struct {
	Version    int    `json:"version"`
	Address    string `json:"address"`
	Iterations int    `json:"iterations"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// KeySource says where the signer key comes from. RawHex wins over KeyFile.
type KeySource struct {
	RawHex   string
	KeyFile  string
	Password string
}

// SealKey encrypts key with password and returns the JSON key file.
func SealKey(key *ecdsa.PrivateKey, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: salt: %w", err)
	}
	gcm, err := newGCM(password, salt, kdfIterations)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, ethcrypto.FromECDSA(key), additionalData)
	return json.MarshalIndent(keyFile{
		Version:    fileVersion,
		Address:    ethcrypto.PubkeyToAddress(key.PublicKey).Hex(),
		Iterations: kdfIterations,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
	}, "", "  ")
}

// OpenKey decrypts a key file produced by SealKey. The recovered key must
// match the address recorded in the file.
func OpenKey(data []byte, password string) (*ecdsa.PrivateKey, error) {
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("crypto: parse key file: %w", err)
	}
	if kf.Version != fileVersion {
		return nil, fmt.Errorf("crypto: unsupported key file version %d", kf.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(kf.Salt)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(kf.Nonce)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode nonce: %w", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(kf.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode ciphertext: %w", err)
	}

	gcm, err := newGCM(password, salt, kf.Iterations)
	if err != nil {
		return nil, err
	}
	raw, err := gcm.Open(nil, nonce, sealed, additionalData)
	if err != nil {
		return nil, ErrWrongPassword
	}

	key, err := ethcrypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid key material: %w", err)
	}
	if addr := ethcrypto.PubkeyToAddress(key.PublicKey).Hex(); kf.Address != "" && !strings.EqualFold(addr, kf.Address) {
		return nil, fmt.Errorf("crypto: key file address %s does not match key %s", kf.Address, addr)
	}
	return key, nil
}

// LoadKey resolves the signer key from src.
func LoadKey(src KeySource) (*ecdsa.PrivateKey, error) {
	if src.RawHex != "" {
		key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(src.RawHex, "0x"))
		if err != nil {
			return nil, fmt.Errorf("crypto: raw key: %w", err)
		}
		return key, nil
	}
	if src.KeyFile != "" {
		data, err := os.ReadFile(src.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("crypto: read key file: %w", err)
		}
		return OpenKey(data, src.Password)
	}
	return nil, errors.New("crypto: no signer key configured")
}

func newGCM(password string, salt []byte, iterations int) (cipher.AEAD, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	if iterations <= 0 {
		return nil, fmt.Errorf("crypto: invalid iteration count %d", iterations)
	}
	block, err := aes.NewCipher(pbkdf2.Key([]byte(password), salt, iterations, aesKeyLen, sha256.New))
	if err != nil {
		return nil, fmt.Errorf("crypto: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: gcm: %w", err)
	}
	return gcm, nil
}
