package scrypto

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/term"
)

// MinPasswordLength applies to interactively chosen passwords only.
const MinPasswordLength = 8

var ErrPasswordMismatch = errors.New("passwords do not match")

// ReadPassword prompts for password with hidden input
func ReadPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println() // New line after password

	if err != nil {
		return "", fmt.Errorf("password read failed: %w", err)
	}
	return string(password), nil
}

// ConfirmPassword asks for a new password twice and enforces
// MinPasswordLength.
func ConfirmPassword() (string, error) {
	pass, err := ReadPassword(fmt.Sprintf("\n🔑 Enter password (min %d chars): ", MinPasswordLength))
	if err != nil {
		return "", err
	}
	if err := CheckPassword(pass); err != nil {
		return "", err
	}

	confirm, err := ReadPassword("🔑 Confirm password: ")
	if err != nil {
		return "", err
	}
	if !TagsEqual([]byte(pass), []byte(confirm)) {
		return "", ErrPasswordMismatch
	}
	return pass, nil
}

// CheckPassword validates a password chosen for embedding.
func CheckPassword(pass string) error {
	if len(pass) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	return nil
}
