// Package ids implements the crypto and identifier primitives the remote
// marketplace's wire protocol requires: a stable per-user device id,
// per-message identifiers, request signing, and inbound payload decryption.
//
// All operations here are pure and safe for concurrent use; none suspend.
package ids

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrDecrypt is returned when an inbound payload cannot be decrypted: wrong
// length, bad padding, or corrupt ciphertext.
var ErrDecrypt = errors.New("ids: malformed encrypted payload")

// deviceNamespace anchors device-id derivation so the same user id always
// produces the same device id across process restarts.
var deviceNamespace = uuid.MustParse("6f2b9c2e-9c7a-4b7a-9a9b-2b7a9c2e9c7a")

// DeviceID deterministically derives a stable device identifier for a user.
// The same userID always yields the same device id.
func DeviceID(userID string) string {
	return uuid.NewSHA1(deviceNamespace, []byte(userID)).String()
}

// MID returns a per-message identifier. Uniqueness only needs to hold
// within a single session, so a random UUID is sufficient.
func MID() string {
	return uuid.NewString()
}

// UUID returns a general-purpose unique identifier, used for synthetic item
// ids and other process-local correlation values.
func UUID() string {
	return uuid.NewString()
}

// appKey is the fixed constant the remote ecosystem's signature scheme
// mixes into every request. It is not a secret — it is a protocol constant
// published in the official client, kept here as an unexported literal
// rather than config because it never varies per deployment.
const appKey = "444e9908a51d1cb236a27862abc769c9"

// Sign computes the request signature the API expects: an HMAC-SHA256 over
// "token&timestamp&appKey&data", hex encoded. Equal inputs always produce
// equal outputs.
func Sign(timestampMillis int64, token, data string) string {
	message := fmt.Sprintf("%s&%d&%s&%s", token, timestampMillis, appKey, data)
	mac := hmac.New(sha256.New, []byte(appKey))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// decryptKey is the fixed AES-128 key the marketplace uses to obscure chat
// payloads inside syncPushPackage frames. Like appKey, this is a protocol
// constant, not a deployment secret.
var decryptKey = []byte("e6e9fd1f0dc63c22")

// Decrypt reverses the server's payload encoding: AES-128-CBC with a fixed
// key and a zero IV, PKCS7-unpadded. It returns ErrDecrypt on any malformed
// input so callers can drop the frame without disconnecting the session.
func Decrypt(payload []byte) ([]byte, error) {
	if len(payload) == 0 || len(payload)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: length %d not a multiple of block size", ErrDecrypt, len(payload))
	}

	block, err := aes.NewCipher(decryptKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	iv := make([]byte, aes.BlockSize)
	mode := cipher.NewCBCDecrypter(block, iv)

	out := make([]byte, len(payload))
	mode.CryptBlocks(out, payload)

	return unpad(out)
}

func unpad(data []byte) ([]byte, error) {
	n := len(data)
	if n == 0 {
		return nil, fmt.Errorf("%w: empty plaintext", ErrDecrypt)
	}
	padLen := int(data[n-1])
	if padLen == 0 || padLen > aes.BlockSize || padLen > n {
		return nil, fmt.Errorf("%w: invalid padding length %d", ErrDecrypt, padLen)
	}
	if !bytes.Equal(data[n-padLen:], bytes.Repeat([]byte{byte(padLen)}, padLen)) {
		return nil, fmt.Errorf("%w: invalid padding bytes", ErrDecrypt)
	}
	return data[:n-padLen], nil
}
