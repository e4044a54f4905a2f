package usecase

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"

	"audit-ledger-service/internal/domain"
)

const rsaKeyBits = 2048

// SigningAlgorithm は署名アルゴリズムのインターフェース。
// 秘密鍵はPKCS#8 DER、公開鍵はPKIX DERで受け渡す。
type SigningAlgorithm interface {
	Name() domain.Algorithm
	GenerateKey() (privateKey, publicKey []byte, err error)
	Sign(privateKey, payload []byte) ([]byte, error)
	Verify(publicKey, payload, signature []byte) (bool, error)
}

// AlgorithmRegistry は利用可能な署名アルゴリズムの一覧。
type AlgorithmRegistry map[domain.Algorithm]SigningAlgorithm

// DefaultAlgorithms はEd25519、ECDSA P-256、RSA-PSSを登録した一覧を返す。
func DefaultAlgorithms() AlgorithmRegistry {
	return AlgorithmRegistry{
		domain.AlgorithmEd25519:   ed25519Algorithm{},
		domain.AlgorithmECDSAP256: ecdsaP256Algorithm{},
		domain.AlgorithmRSAPSS:    rsaPSSAlgorithm{},
	}
}

// Get は指定されたアルゴリズムを返す。
func (r AlgorithmRegistry) Get(name domain.Algorithm) (SigningAlgorithm, error) {
	alg, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedAlgorithm, name)
	}
	return alg, nil
}

func marshalKeyPair(priv crypto.PrivateKey, pub crypto.PublicKey) ([]byte, []byte, error) {
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling public key: %w", err)
	}
	return privDER, pubDER, nil
}

func parsePrivateKey[T any](der []byte) (T, error) {
	var zero T
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return zero, fmt.Errorf("parsing private key: %w", err)
	}
	typed, ok := key.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected private key type %T", key)
	}
	return typed, nil
}

func parsePublicKey[T any](der []byte) (T, error) {
	var zero T
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return zero, fmt.Errorf("parsing public key: %w", err)
	}
	typed, ok := key.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected public key type %T", key)
	}
	return typed, nil
}

type ed25519Algorithm struct{}

func (ed25519Algorithm) Name() domain.Algorithm { return domain.AlgorithmEd25519 }

func (ed25519Algorithm) GenerateKey() ([]byte, []byte, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating ed25519 key: %w", err)
	}
	return marshalKeyPair(priv, pub)
}

func (ed25519Algorithm) Sign(privateKey, payload []byte) ([]byte, error) {
	priv, err := parsePrivateKey[ed25519.PrivateKey](privateKey)
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(priv, payload), nil
}

func (ed25519Algorithm) Verify(publicKey, payload, signature []byte) (bool, error) {
	pub, err := parsePublicKey[ed25519.PublicKey](publicKey)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(pub, payload, signature), nil
}

type ecdsaP256Algorithm struct{}

func (ecdsaP256Algorithm) Name() domain.Algorithm { return domain.AlgorithmECDSAP256 }

func (ecdsaP256Algorithm) GenerateKey() ([]byte, []byte, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating ecdsa key: %w", err)
	}
	return marshalKeyPair(priv, &priv.PublicKey)
}

func (ecdsaP256Algorithm) Sign(privateKey, payload []byte) ([]byte, error) {
	priv, err := parsePrivateKey[*ecdsa.PrivateKey](privateKey)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(payload)
	return ecdsa.SignASN1(rand.Reader, priv, digest[:])
}

func (ecdsaP256Algorithm) Verify(publicKey, payload, signature []byte) (bool, error) {
	pub, err := parsePublicKey[*ecdsa.PublicKey](publicKey)
	if err != nil {
		return false, err
	}
	digest := sha256.Sum256(payload)
	return ecdsa.VerifyASN1(pub, digest[:], signature), nil
}

type rsaPSSAlgorithm struct{}

var pssOptions = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256}

func (rsaPSSAlgorithm) Name() domain.Algorithm { return domain.AlgorithmRSAPSS }

func (rsaPSSAlgorithm) GenerateKey() ([]byte, []byte, error) {
	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("generating rsa key: %w", err)
	}
	return marshalKeyPair(priv, &priv.PublicKey)
}

func (rsaPSSAlgorithm) Sign(privateKey, payload []byte) ([]byte, error) {
	priv, err := parsePrivateKey[*rsa.PrivateKey](privateKey)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(payload)
	return rsa.SignPSS(rand.Reader, priv, crypto.SHA256, digest[:], pssOptions)
}

func (rsaPSSAlgorithm) Verify(publicKey, payload, signature []byte) (bool, error) {
	pub, err := parsePublicKey[*rsa.PublicKey](publicKey)
	if err != nil {
		return false, err
	}
	digest := sha256.Sum256(payload)
	err = rsa.VerifyPSS(pub, crypto.SHA256, digest[:], signature, pssOptions)
	if errors.Is(err, rsa.ErrVerification) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
