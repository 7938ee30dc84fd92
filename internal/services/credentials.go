package services

import (
	"fmt"
	"net/url"
	"os"

	"github.com/99designs/keyring"
	"github.com/clinicore/smartplug-telemetry/internal/models"
	"gorm.io/gorm"
)

// CredentialService manages cloud account rows and keeps their access
// tokens in the OS keychain. The database only ever stores a keyring
// reference, never the token itself.
type CredentialService struct {
	db   *gorm.DB
	ring keyring.Keyring
}

// NewCredentialService creates a new credential service
func NewCredentialService(db *gorm.DB) (*CredentialService, error) {
	// Configure keyring
	ring, err := keyring.Open(keyring.Config{
		ServiceName: "smartplug-telemetry",
		// Try OS keychain first, fallback to encrypted file if unavailable
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,      // macOS Keychain
			keyring.SecretServiceBackend, // Linux Secret Service (gnome-keyring, kwallet)
			keyring.WinCredBackend,       // Windows Credential Manager
			keyring.FileBackend,          // Encrypted file fallback
		},
		// For file backend (fallback)
		FileDir: "~/.smartplug-telemetry",
		FilePasswordFunc: func(prompt string) (string, error) {
			if key := os.Getenv("KEYRING_FILE_PASSWORD"); key != "" {
				return key, nil
			}
			if os.Getenv("GO_ENV") == "test" {
				return "test-password", nil
			}
			return "", fmt.Errorf("KEYRING_FILE_PASSWORD not set")
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}

	return &CredentialService{db: db, ring: ring}, nil
}

// GetCredential retrieves a credential row by ID
func (s *CredentialService) GetCredential(credentialID string) (*models.Credential, error) {
	var cred models.Credential
	if err := s.db.First(&cred, "id = ?", credentialID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, models.NewCredentialNotFoundError(credentialID)
		}
		return nil, err
	}
	return &cred, nil
}

// StoreToken stores a cloud access token securely and records the keyring
// reference on the credential row.
func (s *CredentialService) StoreToken(cred *models.Credential, token string) error {
	key := "shelly-token-" + cred.ID.String()
	item := keyring.Item{
		Key:  key,
		Data: []byte(token),
	}
	if err := s.ring.Set(item); err != nil {
		return fmt.Errorf("failed to store access token: %w", err)
	}

	cred.TokenKey = key
	if err := s.db.Model(cred).Update("token_key", key).Error; err != nil {
		return fmt.Errorf("failed to record token reference: %w", err)
	}
	return nil
}

// GetToken retrieves the access token for a credential from the keychain
func (s *CredentialService) GetToken(cred *models.Credential) (string, error) {
	if cred.TokenKey == "" {
		return "", fmt.Errorf("credential %s has no stored token", cred.ID)
	}
	item, err := s.ring.Get(cred.TokenKey)
	if err != nil {
		if err == keyring.ErrKeyNotFound {
			return "", fmt.Errorf("access token not found for credential: %s", cred.ID)
		}
		return "", fmt.Errorf("failed to retrieve access token: %w", err)
	}
	return string(item.Data), nil
}

// DeleteToken removes a credential's token from the keychain
func (s *CredentialService) DeleteToken(cred *models.Credential) error {
	if cred.TokenKey == "" {
		return nil
	}
	if err := s.ring.Remove(cred.TokenKey); err != nil && err != keyring.ErrKeyNotFound {
		return fmt.Errorf("failed to delete access token: %w", err)
	}
	return nil
}

// ChannelEndpoint implements channel.CredentialSource: it composes the
// credential's command channel URL from its API host and stored token.
func (s *CredentialService) ChannelEndpoint(credentialID string) (string, error) {
	cred, err := s.GetCredential(credentialID)
	if err != nil {
		return "", err
	}

	token, err := s.GetToken(cred)
	if err != nil {
		return "", err
	}

	u := url.URL{
		Scheme:   "wss",
		Host:     cred.APIHost,
		Path:     "/device/relay",
		RawQuery: url.Values{"auth_key": {token}}.Encode(),
	}
	return u.String(), nil
}
