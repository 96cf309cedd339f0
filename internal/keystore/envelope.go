package keystore

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"io"

	"vaultd/internal/security"
)

// Hybrid envelope layout.
//
// Encryption generates a fresh AES-256 key, HMAC-SHA256 key, and CBC IV
// per message. The plaintext is PKCS7-padded and CBC-encrypted, the
// ciphertext is authenticated with HMAC (encrypt-then-MAC), and the
// header iv || aesKey || macKey || tag is wrapped with RSA-OAEP-SHA256
// under the alias's public key. The wire format is wrapped || ct, where
// the wrapped block is exactly the RSA modulus size. Only the header
// unwrap needs the private key, so hardware backends perform just that
// step inside the device.
const (
	envelopeIVSize  = aes.BlockSize
	envelopeKeySize = 32
	envelopeMACSize = sha256.Size

	envelopeHeaderSize = envelopeIVSize + 2*envelopeKeySize + envelopeMACSize
)

// sealEnvelope encrypts plaintext under pub.
func sealEnvelope(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	header := make([]byte, envelopeHeaderSize)
	if _, err := io.ReadFull(rand.Reader, header); err != nil {
		return nil, fmt.Errorf("generate envelope header: %w", err)
	}
	defer security.Wipe(header)

	iv := header[:envelopeIVSize]
	aesKey := header[envelopeIVSize : envelopeIVSize+envelopeKeySize]
	macKey := header[envelopeIVSize+envelopeKeySize : envelopeIVSize+2*envelopeKeySize]
	tag := header[envelopeIVSize+2*envelopeKeySize:]

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	defer security.Wipe(padded)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(ct)
	copy(tag, mac.Sum(nil))

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, header, nil)
	if err != nil {
		return nil, fmt.Errorf("wrap envelope header: %w", err)
	}

	out := make([]byte, 0, len(wrapped)+len(ct))
	out = append(out, wrapped...)
	out = append(out, ct...)
	return out, nil
}

// unwrapFunc recovers the envelope header from its RSA-OAEP wrapping.
// The software backend uses rsa.DecryptOAEP; the TPM backend executes
// RSA_Decrypt inside the device.
type unwrapFunc func(wrapped []byte) ([]byte, error)

// openEnvelope decrypts an envelope whose header was wrapped under an
// RSA key of keySize bytes.
func openEnvelope(keySize int, unwrap unwrapFunc, payload []byte) ([]byte, error) {
	if len(payload) < keySize+aes.BlockSize {
		return nil, ErrMalformedCiphertext
	}
	ct := payload[keySize:]
	if len(ct)%aes.BlockSize != 0 {
		return nil, ErrMalformedCiphertext
	}

	header, err := unwrap(payload[:keySize])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	defer security.Wipe(header)
	if len(header) != envelopeHeaderSize {
		return nil, ErrMalformedCiphertext
	}

	iv := header[:envelopeIVSize]
	aesKey := header[envelopeIVSize : envelopeIVSize+envelopeKeySize]
	macKey := header[envelopeIVSize+envelopeKeySize : envelopeIVSize+2*envelopeKeySize]
	tag := header[envelopeIVSize+2*envelopeKeySize:]

	mac := hmac.New(sha256.New, macKey)
	mac.Write(ct)
	if !hmac.Equal(mac.Sum(nil), tag) {
		return nil, ErrDecryptionFailed
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	padded := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ct)

	plaintext, err := pkcs7Unpad(padded, aes.BlockSize)
	if err != nil {
		security.Wipe(padded)
		return nil, err
	}
	return plaintext, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+padLen)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(padLen)
	}
	return out
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrMalformedCiphertext
	}
	padLen := int(data[len(data)-1])
	if padLen < 1 || padLen > blockSize {
		return nil, ErrDecryptionFailed
	}
	if !bytes.Equal(data[len(data)-padLen:], bytes.Repeat([]byte{byte(padLen)}, padLen)) {
		return nil, ErrDecryptionFailed
	}
	return data[:len(data)-padLen], nil
}
