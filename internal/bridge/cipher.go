package bridge

import (
	"context"

	"vaultd/internal/blobstore"
	"vaultd/internal/keystore"
	"vaultd/internal/presence"
)

// KeystoreCipher adapts a key manager and the presence gate to the blob
// store's cipher interface. Encryption uses the public half and never
// prompts; decryption runs through the gate.
type KeystoreCipher struct {
	manager keystore.Manager
	gate    *presence.Gate
	alias   string
}

var _ blobstore.Cipher = (*KeystoreCipher)(nil)

// NewKeystoreCipher binds blob encryption to the key at alias.
func NewKeystoreCipher(manager keystore.Manager, gate *presence.Gate, alias string) *KeystoreCipher {
	return &KeystoreCipher{manager: manager, gate: gate, alias: alias}
}

func (c *KeystoreCipher) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	return c.manager.Encrypt(ctx, c.alias, plaintext)
}

func (c *KeystoreCipher) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	session, err := c.manager.BeginDecrypt(ctx, c.alias, ciphertext)
	if err != nil {
		return nil, err
	}
	defer session.Close()
	return c.gate.Authorize(ctx, session)
}
