package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/clearsign"
)

// ErrNoSignature is returned when a signed index carries no valid
// signature, or none that any key in the keyring made.
var ErrNoSignature = errors.New("no valid signature found")

// VerifyFunc takes raw index content and returns the trusted payload. For
// unsigned indexes it is the identity; for signed ones it strips and checks
// the signature.
type VerifyFunc func(data []byte) ([]byte, error)

// Unsigned is the identity policy: the payload is trusted as-is. It backs
// unsigned indexes and sources that explicitly opt out of verification.
func Unsigned(data []byte) ([]byte, error) {
	return data, nil
}

// PolicyFor selects the verification policy for a catalog index based on
// its declared signedness: a path ending in ".json" is explicitly unsigned
// and passes through unchanged, anything else is treated as a clearsigned
// document checked against keyringPath. The keyring is bound into the
// returned function so call sites stay agnostic to signedness.
func PolicyFor(indexPath, keyringPath string) VerifyFunc {
	if strings.HasSuffix(indexPath, ".json") {
		return Unsigned
	}
	return func(data []byte) ([]byte, error) {
		return verifyClearsigned(data, keyringPath)
	}
}

func verifyClearsigned(data []byte, keyringPath string) ([]byte, error) {
	if keyringPath == "" {
		return nil, fmt.Errorf("signed index but no keyring configured: %w", ErrNoSignature)
	}
	ring, err := readKeyring(keyringPath)
	if err != nil {
		return nil, err
	}

	block, _ := clearsign.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("index is not clearsigned: %w", ErrNoSignature)
	}
	_, err = openpgp.CheckDetachedSignature(ring, bytes.NewReader(block.Bytes), block.ArmoredSignature.Body)
	if err != nil {
		return nil, fmt.Errorf("signature check failed: %w: %w", ErrNoSignature, err)
	}
	return block.Plaintext, nil
}

func readKeyring(path string) (openpgp.EntityList, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open keyring: %w", err)
	}
	defer f.Close()

	ring, err := openpgp.ReadArmoredKeyRing(f)
	if err == nil {
		return ring, nil
	}
	// Binary keyrings are also accepted.
	if _, err := f.Seek(0, 0); err != nil {
		return nil, err
	}
	ring, err = openpgp.ReadKeyRing(f)
	if err != nil {
		return nil, fmt.Errorf("read keyring %s: %w", path, err)
	}
	return ring, nil
}
