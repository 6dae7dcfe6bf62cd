package secrets

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"

	"finnwatch-engine/internal/config"
)

const (
	// “Service” groups the app's secrets in the OS keychain.
	KeyringService = "finnwatch"

	envIMAPPassword = "FINNWATCH_IMAP_PASSWORD"
	envMapsAPIKey   = "GOOGLE_API_KEY"
	envSMTPPassword = "FINNWATCH_SMTP_PASSWORD"
)

func GetIMAPPassword(keyringAccount string) (string, error) {
	// 1) Keyring first (recommended)
	if strings.TrimSpace(keyringAccount) != "" {
		pw, err := keyring.Get(KeyringService, keyringAccount)
		if err == nil && strings.TrimSpace(pw) != "" {
			return pw, nil
		}
	}

	// 2) Env fallback for headless machines without a keychain
	if pw := strings.TrimSpace(os.Getenv(envIMAPPassword)); pw != "" {
		return pw, nil
	}

	return "", errors.New("IMAP password not found (set it in keychain or via FINNWATCH_IMAP_PASSWORD)")
}

func SetIMAPPassword(keyringAccount string, password string) error {
	if strings.TrimSpace(keyringAccount) == "" {
		return errors.New("keyring account name is empty")
	}
	if strings.TrimSpace(password) == "" {
		return errors.New("password is empty")
	}
	return keyring.Set(KeyringService, keyringAccount, password)
}

func DeleteIMAPPassword(keyringAccount string) error {
	if strings.TrimSpace(keyringAccount) == "" {
		return errors.New("keyring account name is empty")
	}
	return keyring.Delete(KeyringService, keyringAccount)
}

func IMAPKeyringAccount(cfg config.Config) string {
	if strings.TrimSpace(cfg.Email.KeyringAccount) != "" {
		return cfg.Email.KeyringAccount
	}
	return fmt.Sprintf(
		"finnwatch:imap:%s@%s",
		cfg.Email.Username,
		cfg.Email.IMAPHost,
	)
}

// GetMapsAPIKey resolves the Google Maps API key: keychain first, then the
// GOOGLE_API_KEY env var.
func GetMapsAPIKey() (string, error) {
	if key, err := keyring.Get(KeyringService, "maps-api-key"); err == nil && strings.TrimSpace(key) != "" {
		return key, nil
	}
	if key := strings.TrimSpace(os.Getenv(envMapsAPIKey)); key != "" {
		return key, nil
	}
	return "", errors.New("maps API key not found (set it in keychain or via GOOGLE_API_KEY)")
}

func SetMapsAPIKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("maps API key is empty")
	}
	return keyring.Set(KeyringService, "maps-api-key", key)
}

func GetSMTPPassword(keyringAccount string) (string, error) {
	if strings.TrimSpace(keyringAccount) != "" {
		pw, err := keyring.Get(KeyringService, keyringAccount)
		if err == nil && strings.TrimSpace(pw) != "" {
			return pw, nil
		}
	}
	if pw := strings.TrimSpace(os.Getenv(envSMTPPassword)); pw != "" {
		return pw, nil
	}
	return "", errors.New("SMTP password not found (set it in keychain or via FINNWATCH_SMTP_PASSWORD)")
}

func SetSMTPPassword(keyringAccount string, password string) error {
	if strings.TrimSpace(keyringAccount) == "" {
		return errors.New("keyring account name is empty")
	}
	if strings.TrimSpace(password) == "" {
		return errors.New("password is empty")
	}
	return keyring.Set(KeyringService, keyringAccount, password)
}

func SMTPKeyringAccount(cfg config.Config) string {
	if strings.TrimSpace(cfg.Notify.KeyringAccount) != "" {
		return cfg.Notify.KeyringAccount
	}
	return fmt.Sprintf("finnwatch:smtp:%s@%s", cfg.Notify.From, cfg.Notify.SMTPHost)
}
