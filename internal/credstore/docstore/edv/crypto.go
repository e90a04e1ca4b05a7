package edv

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"vcvault/internal/credstore/models"
	dErrors "vcvault/pkg/domain-errors"
)

// KeySize is the required master key length in bytes.
const KeySize = 32

// keyring derives the per-purpose keys from one master key: an HMAC key for
// blinding index terms and per-document content keys. The server never sees
// the master key or anything derived from plaintext without it.
type keyring struct {
	master []byte
	hmac   []byte
}

func newKeyring(master []byte) (*keyring, error) {
	if len(master) != KeySize {
		return nil, dErrors.New(dErrors.CodeInvalidInput,
			fmt.Sprintf("master key must be %d bytes", KeySize))
	}
	hmacKey, err := deriveKey(master, "vcvault/edv/index")
	if err != nil {
		return nil, err
	}
	return &keyring{master: master, hmac: hmacKey}, nil
}

func deriveKey(master []byte, info string) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(info)), key); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "deriving key")
	}
	return key, nil
}

// blindAttr blinds an attribute path so the server learns nothing about the
// indexed schema.
func (k *keyring) blindAttr(path string) string {
	mac := hmac.New(sha256.New, k.hmac)
	mac.Write([]byte("attr:" + path))
	return hex.EncodeToString(mac.Sum(nil))
}

// blindValue blinds one attribute value. Blinding binds the path so equal
// values under different attributes do not collide.
func (k *keyring) blindValue(path, value string) string {
	mac := hmac.New(sha256.New, k.hmac)
	mac.Write([]byte("term:" + path + "=" + value))
	return hex.EncodeToString(mac.Sum(nil))
}

// payload is the plaintext sealed into the JWE envelope. The document id and
// sequence stay outside: the server needs them for addressing and
// concurrency control.
type payload struct {
	Content models.Credential `json:"content"`
	Meta    models.Meta       `json:"meta"`
}

// seal encrypts the document payload under a per-document key with a random
// nonce prepended to the ciphertext.
func (k *keyring) seal(docID string, p payload) (string, error) {
	key, err := deriveKey(k.master, "vcvault/edv/doc/"+docID)
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "creating cipher")
	}
	plaintext, err := json.Marshal(p)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "encoding document payload")
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "generating nonce")
	}
	sealed := aead.Seal(nonce, nonce, plaintext, []byte(docID))
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// open decrypts a JWE envelope produced by seal.
func (k *keyring) open(docID, jwe string) (payload, error) {
	key, err := deriveKey(k.master, "vcvault/edv/doc/"+docID)
	if err != nil {
		return payload{}, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return payload{}, dErrors.Wrap(err, dErrors.CodeInternal, "creating cipher")
	}
	sealed, err := base64.RawURLEncoding.DecodeString(jwe)
	if err != nil || len(sealed) < aead.NonceSize() {
		return payload{}, dErrors.New(dErrors.CodeInternal, "malformed document envelope")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(docID))
	if err != nil {
		return payload{}, dErrors.Wrap(err, dErrors.CodeInternal, "decrypting document")
	}
	var p payload
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return payload{}, dErrors.Wrap(err, dErrors.CodeInternal, "decoding document payload")
	}
	return p, nil
}
