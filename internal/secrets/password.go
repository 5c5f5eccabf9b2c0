// Package secrets keeps mailbox credentials in the OS keychain.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"jobapply-engine/internal/config"

	"github.com/zalando/go-keyring"
)

const (
	// “Service” groups the app's secrets in the OS keychain.
	KeyringService = "jobapply"

	// EnvIMAPPassword is read when the keychain has no entry, e.g. on
	// headless hosts without a secret service.
	EnvIMAPPassword = "JOBAPPLY_IMAP_PASSWORD"
)

var ErrPasswordNotFound = errors.New("IMAP password not found (set it in keychain or via " + EnvIMAPPassword + ")")

func GetIMAPPassword(keyringAccount string) (string, error) {
	// 1) Keyring first (recommended)
	if strings.TrimSpace(keyringAccount) != "" {
		pw, err := keyring.Get(KeyringService, keyringAccount)
		if err == nil && strings.TrimSpace(pw) != "" {
			return pw, nil
		}
	}
	// 2) Env fallback
	if pw := os.Getenv(EnvIMAPPassword); strings.TrimSpace(pw) != "" {
		return pw, nil
	}
	return "", ErrPasswordNotFound
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
	err := keyring.Delete(KeyringService, keyringAccount)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}

func IMAPKeyringAccount(c config.Confirm) string {
	return fmt.Sprintf("jobapply:imap:%s@%s", c.Username, c.IMAPHost)
}
