package decoder

import (
	"errors"
	"fmt"

	log "github.com/golang/glog"

	"github.com/faanross/pixelvault/internal/blob"
	"github.com/faanross/pixelvault/internal/carrier"
	"github.com/faanross/pixelvault/internal/scrypto"
)

// ErrUnreadable is what a user sees for both a failed tag check and bad
// padding. The precise cause stays available through errors.Is.
var ErrUnreadable = errors.New("wrong password or corrupted data")

type unreadableError struct {
	cause error
}

func (e *unreadableError) Error() string { return ErrUnreadable.Error() }

func (e *unreadableError) Unwrap() error { return e.cause }

func (e *unreadableError) Is(target error) bool { return target == ErrUnreadable }

// ExtractedMessage contains decrypted message and metadata
type ExtractedMessage struct {
	Message       []byte
	FrameSize     int
	EncryptedSize int
	DecryptedSize int
}

// SecureStegoDecoder handles extraction and decryption
type SecureStegoDecoder struct {
	carrier  *carrier.Carrier
	password string
	frame    *blob.Frame
}

// NewSecureStegoDecoder creates a decoder instance
func NewSecureStegoDecoder(c *carrier.Carrier, password string) *SecureStegoDecoder {
	return &SecureStegoDecoder{
		carrier:  c,
		password: password,
	}
}

// ExtractSecurePayload reads the hidden frame. It is cheap to call again;
// the frame is cached after the first success.
func (ssd *SecureStegoDecoder) ExtractSecurePayload() (*blob.Frame, error) {
	if ssd.frame != nil {
		return ssd.frame, nil
	}
	f, err := ExtractFrame(ssd.carrier)
	if err != nil {
		return nil, err
	}
	ssd.frame = f
	return f, nil
}

// DecryptPayload verifies and decrypts the extracted frame with password.
func (ssd *SecureStegoDecoder) DecryptPayload(password string) (*ExtractedMessage, error) {
	f, err := ssd.ExtractSecurePayload()
	if err != nil {
		return nil, err
	}

	plaintext, err := scrypto.Decrypt(&scrypto.Material{
		Salt:       f.Salt,
		IV:         f.IV,
		MAC:        f.MAC,
		Ciphertext: f.Ciphertext,
	}, password)
	switch {
	case errors.Is(err, scrypto.ErrAuthentication), errors.Is(err, scrypto.ErrPadding):
		return nil, &unreadableError{cause: err}
	case errors.Is(err, scrypto.ErrMaterial):
		return nil, fmt.Errorf("%v: %w", err, blob.ErrCorruptFrame)
	case err != nil:
		return nil, err
	}

	return &ExtractedMessage{
		Message:       plaintext,
		FrameSize:     blob.Size(len(f.Salt), len(f.IV), len(f.MAC), len(f.Ciphertext)),
		EncryptedSize: len(f.Ciphertext),
		DecryptedSize: len(plaintext),
	}, nil
}

// Reveal extracts and decrypts with the decoder's password.
func (ssd *SecureStegoDecoder) Reveal() (*ExtractedMessage, error) {
	return ssd.DecryptPayload(ssd.password)
}

// Reveal recovers the plaintext hidden in c.
func Reveal(c *carrier.Carrier, password string) ([]byte, error) {
	msg, err := NewSecureStegoDecoder(c, password).Reveal()
	if err != nil {
		return nil, err
	}
	return msg.Message, nil
}

// TryPasswords attempts decryption with multiple passwords. The frame is
// extracted once; only key derivation repeats. It returns the index of the
// password that worked.
func TryPasswords(c *carrier.Carrier, passwords []string) (*ExtractedMessage, int, error) {
	ssd := NewSecureStegoDecoder(c, "")
	if _, err := ssd.ExtractSecurePayload(); err != nil {
		return nil, -1, err
	}

	for i, pass := range passwords {
		msg, err := ssd.DecryptPayload(pass)
		if err == nil {
			return msg, i, nil
		}
		if !errors.Is(err, ErrUnreadable) {
			return nil, -1, err
		}
		log.V(1).Infof("password attempt %d/%d rejected", i+1, len(passwords))
	}
	return nil, -1, ErrUnreadable
}
