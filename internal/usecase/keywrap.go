package usecase

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/argon2"

	"audit-ledger-service/internal/domain"
)

const (
	wrapVersion   = 1
	wrapKDF       = "argon2id"
	wrapSaltSize  = 16
	wrapKeyLength = 32 // AES-256

	// 保存形式に記録されたパラメータは設定値のこの倍数まで受け付ける。
	wrapParamsHeadroom = 4
)

// KeyWrapParams はArgon2idの計算パラメータ。
type KeyWrapParams struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
}

// DefaultKeyWrapParams は設定が無い場合のArgon2idパラメータ。
var DefaultKeyWrapParams = KeyWrapParams{Time: 3, MemoryKiB: 64 * 1024, Threads: 2}

// allows は保存形式のパラメータqが上限p*wrapParamsHeadroomに収まるか判定する。
func (p KeyWrapParams) allows(q KeyWrapParams) bool {
	return uint64(q.Time) <= uint64(p.Time)*wrapParamsHeadroom &&
		uint64(q.MemoryKiB) <= uint64(p.MemoryKiB)*wrapParamsHeadroom &&
		uint64(q.Threads) <= uint64(p.Threads)*wrapParamsHeadroom
}

// wrappedKey は資格情報で保護された秘密鍵の保存形式。パラメータを同梱し、設定変更後も復号できる。
type wrappedKey struct {
	Version    int    `json:"v"`
	KDF        string `json:"kdf"`
	Time       uint32 `json:"t"`
	MemoryKiB  uint32 `json:"m"`
	Threads    uint8  `json:"p"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ct"`
}

// wrapPrivateKey は資格情報から導出した鍵で秘密鍵をAES-256-GCMにより暗号化する。
func wrapPrivateKey(secret, privateKey, aad []byte, params KeyWrapParams) ([]byte, error) {
	salt := make([]byte, wrapSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}

	gcm, err := newKeyWrapCipher(secret, salt, params)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	blob, err := json.Marshal(wrappedKey{
		Version:    wrapVersion,
		KDF:        wrapKDF,
		Time:       params.Time,
		MemoryKiB:  params.MemoryKiB,
		Threads:    params.Threads,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, privateKey, aad),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding wrapped key: %w", err)
	}
	return blob, nil
}

// unwrapPrivateKey は保存形式から秘密鍵を復号する。limitを超えるパラメータの鍵導出は行わない。
// 失敗理由は区別せず常にdomain.ErrInvalidCredentialを返す。
func unwrapPrivateKey(secret, blob, aad []byte, limit KeyWrapParams) ([]byte, error) {
	var w wrappedKey
	if err := json.Unmarshal(blob, &w); err != nil {
		return nil, domain.ErrInvalidCredential
	}
	if w.Version != wrapVersion || w.KDF != wrapKDF {
		return nil, domain.ErrInvalidCredential
	}
	params := KeyWrapParams{Time: w.Time, MemoryKiB: w.MemoryKiB, Threads: w.Threads}
	if !limit.allows(params) {
		return nil, domain.ErrInvalidCredential
	}

	gcm, err := newKeyWrapCipher(secret, w.Salt, params)
	if err != nil || len(w.Nonce) != gcm.NonceSize() {
		return nil, domain.ErrInvalidCredential
	}
	plaintext, err := gcm.Open(nil, w.Nonce, w.Ciphertext, aad)
	if err != nil {
		return nil, domain.ErrInvalidCredential
	}
	return plaintext, nil
}

func newKeyWrapCipher(secret, salt []byte, params KeyWrapParams) (cipher.AEAD, error) {
	if params.Time == 0 || params.MemoryKiB == 0 || params.Threads == 0 {
		return nil, fmt.Errorf("invalid argon2 parameters: %+v", params)
	}
	key := argon2.IDKey(secret, salt, params.Time, params.MemoryKiB, params.Threads, wrapKeyLength)
	defer clear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}
