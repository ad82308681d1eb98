package reconcile

import (
	"fmt"
	"strings"

	"github.com/tyler-smith/go-bip39"
)

// NewPassphrase returns a random twelve word passphrase. Accounts
// authenticate through the directory, so the value is never handed out.
func NewPassphrase() (string, error) {
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return "", fmt.Errorf("generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("generate mnemonic: %w", err)
	}
	return strings.ReplaceAll(mnemonic, " ", "-"), nil
}
