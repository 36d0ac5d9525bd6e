// Package mediaretry implements the Media Retry flow (spec.md component
// G): ask the server to re-issue the upload descriptor for a message
// whose media has expired, using a key derived from the original
// mediaKey to both sign the request and decrypt the response.
package mediaretry

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// retryNotificationInfo is the HKDF info string scoping the derived key to
// this one use, the same expand-don't-reuse discipline as the storage
// service record keys derived elsewhere in the stack.
const retryNotificationInfo = "WhatsApp Media Retry Notification"

const (
	macKeyLen    = 32
	cipherKeyLen = 32
	expandedLen  = cipherKeyLen + macKeyLen
)

// expandMediaKey derives a cipher key and a MAC key from the message's
// mediaKey, scoped to the retry-notification use by retryNotificationInfo.
func expandMediaKey(mediaKey []byte) (cipherKey, macKey []byte, err error) {
	r := hkdf.New(sha256.New, mediaKey, nil, []byte(retryNotificationInfo))
	out := make([]byte, expandedLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, nil, fmt.Errorf("mediaretry: expand media key: %w", err)
	}
	return out[:cipherKeyLen], out[cipherKeyLen:], nil
}

// signRetryRequest produces the HMAC tag carried on the outgoing retry
// stanza so the server (and we, on response) can authenticate it without
// exposing mediaKey itself.
func signRetryRequest(mediaKey []byte, messageID string) ([]byte, error) {
	_, macKey, err := expandMediaKey(mediaKey)
	if err != nil {
		return nil, err
	}
	m := hmac.New(sha256.New, macKey)
	m.Write([]byte(messageID))
	return m.Sum(nil), nil
}

// decryptRetryPayload decrypts the server's retry-notification payload
// with mediaKey: the trailing 32 bytes are an HMAC-SHA256 tag over the
// rest of the payload, and the remainder is AES-256-CBC with its IV
// prepended to the ciphertext.
func decryptRetryPayload(mediaKey, payload []byte) ([]byte, error) {
	cipherKey, macKey, err := expandMediaKey(mediaKey)
	if err != nil {
		return nil, err
	}
	if len(payload) <= macKeyLen+aes.BlockSize {
		return nil, fmt.Errorf("mediaretry: retry payload too short")
	}
	l := len(payload) - macKeyLen
	if !verifyMAC(macKey, payload[:l], payload[l:]) {
		return nil, fmt.Errorf("mediaretry: retry payload failed MAC verification")
	}
	return aesCBCDecrypt(cipherKey, payload[:l])
}

func verifyMAC(key, body, mac []byte) bool {
	m := hmac.New(sha256.New, key)
	m.Write(body)
	return hmac.Equal(m.Sum(nil), mac)
}

func aesCBCDecrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("mediaretry: ciphertext not a multiple of the AES block size")
	}
	if len(ciphertext) < aes.BlockSize {
		return nil, fmt.Errorf("mediaretry: ciphertext shorter than one IV")
	}

	iv := ciphertext[:aes.BlockSize]
	body := make([]byte, len(ciphertext)-aes.BlockSize)
	copy(body, ciphertext[aes.BlockSize:])
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(body, body)

	if len(body) == 0 {
		return nil, fmt.Errorf("mediaretry: empty plaintext after decryption")
	}
	pad := int(body[len(body)-1])
	if pad <= 0 || pad > aes.BlockSize || pad > len(body) {
		return nil, fmt.Errorf("mediaretry: invalid padding byte %d", pad)
	}
	return body[:len(body)-pad], nil
}
