package auth

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"kilometers.ai/authlayer/internal/core/domain"
)

// FileBackend stores the credential pair as an encrypted JSON document
type FileBackend struct {
	path       string
	encryptKey []byte
}

// credentialFile is the on-disk document; one slot per token
type credentialFile struct {
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// NewFileBackend creates a file backend at path. A leading "~/" is
// expanded and the parent directory is created with 0700 permissions.
func NewFileBackend(path string) (*FileBackend, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create credential directory: %w", err)
	}

	return &FileBackend{
		path:       path,
		encryptKey: generateEncryptionKey(),
	}, nil
}

// Name identifies the backend in logs
func (b *FileBackend) Name() string {
	return "file"
}

// Path returns the credential file location
func (b *FileBackend) Path() string {
	return b.path
}

// Load reads the pair; a missing file means no credentials
func (b *FileBackend) Load(ctx context.Context) (domain.Credential, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.Credential{}, nil
		}
		return domain.Credential{}, fmt.Errorf("failed to read credential file: %w", err)
	}

	decrypted, err := b.decrypt(data)
	if err != nil {
		return domain.Credential{}, fmt.Errorf("failed to decrypt credential file: %w", err)
	}

	var doc credentialFile
	if err := json.Unmarshal(decrypted, &doc); err != nil {
		return domain.Credential{}, fmt.Errorf("failed to unmarshal credential file: %w", err)
	}

	return domain.Credential{
		AccessToken:  doc.AccessToken,
		RefreshToken: doc.RefreshToken,
	}, nil
}

// Save replaces the file through a rename so readers never see half a pair
func (b *FileBackend) Save(ctx context.Context, cred domain.Credential) error {
	if cred.IsZero() {
		return b.Erase(ctx)
	}

	data, err := json.Marshal(credentialFile{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}

	encrypted, err := b.encrypt(data)
	if err != nil {
		return fmt.Errorf("failed to encrypt credentials: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(b.path), ".credentials-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set credential file permissions: %w", err)
	}
	if _, err := tmp.Write(encrypted); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write credential file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close credential file: %w", err)
	}

	if err := os.Rename(tmpName, b.path); err != nil {
		return fmt.Errorf("failed to replace credential file: %w", err)
	}
	return nil
}

// Erase removes the file
func (b *FileBackend) Erase(ctx context.Context) error {
	if err := os.Remove(b.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove credential file: %w", err)
	}
	return nil
}

func (b *FileBackend) encrypt(data []byte) ([]byte, error) {
	block, err := aes.NewCipher(b.encryptKey)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	ciphertext := gcm.Seal(nonce, nonce, data, nil)
	return []byte(base64.StdEncoding.EncodeToString(ciphertext)), nil
}

func (b *FileBackend) decrypt(data []byte) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(b.encryptKey)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// generateEncryptionKey derives a machine and user specific key
func generateEncryptionKey() []byte {
	hostname, _ := os.Hostname()
	user := os.Getenv("USER")
	if user == "" {
		user = os.Getenv("USERNAME") // Windows
	}

	hash := sha256.Sum256([]byte(fmt.Sprintf("authlayer:%s:%s", hostname, user)))
	return hash[:]
}
