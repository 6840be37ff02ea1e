package catalog

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
	"golang.org/x/crypto/openpgp/clearsign"
)

func newSigner(t *testing.T) (*openpgp.Entity, string) {
	t.Helper()
	entity, err := openpgp.NewEntity("Index Signer", "", "signer@example.com", nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	aw, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	require.NoError(t, err)
	require.NoError(t, entity.Serialize(aw))
	require.NoError(t, aw.Close())

	path := filepath.Join(t.TempDir(), "trusted.gpg")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return entity, path
}

func clearsignPayload(t *testing.T, entity *openpgp.Entity, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := clearsign.Encode(&buf, entity.PrivateKey, nil)
	require.NoError(t, err)
	_, err = w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestUnsignedIsIdentity(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"format":"index:1.0"}`)
	got, err := Unsigned(payload)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestPolicyForUnsignedPassesThrough(t *testing.T) {
	t.Parallel()

	verify := PolicyFor("http://example.com/streams/v1/index.json", "")
	payload, err := verify([]byte(`{"format":"index:1.0"}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"format":"index:1.0"}`, string(payload))
}

func TestPolicyForSignedRequiresKeyring(t *testing.T) {
	t.Parallel()

	verify := PolicyFor("http://example.com/streams/v1/index.sjson", "")
	_, err := verify([]byte("whatever"))
	require.ErrorIs(t, err, ErrNoSignature)
}

func TestPolicyForSignedRejectsUnsignedContent(t *testing.T) {
	t.Parallel()

	_, keyringPath := newSigner(t)
	verify := PolicyFor("http://example.com/streams/v1/index.sjson", keyringPath)
	_, err := verify([]byte(`{"format":"index:1.0"}`))
	require.ErrorIs(t, err, ErrNoSignature)
}

func TestPolicyForSignedVerifies(t *testing.T) {
	t.Parallel()

	entity, keyringPath := newSigner(t)
	payload := []byte(`{"format":"index:1.0","images":[]}`)
	signed := clearsignPayload(t, entity, payload)

	verify := PolicyFor("http://example.com/streams/v1/index.sjson", keyringPath)
	got, err := verify(signed)
	require.NoError(t, err)
	require.JSONEq(t, string(payload), string(got))
}

func TestPolicyForSignedRejectsWrongKey(t *testing.T) {
	t.Parallel()

	signer, _ := newSigner(t)
	_, otherKeyring := newSigner(t)
	signed := clearsignPayload(t, signer, []byte(`{"format":"index:1.0"}`))

	verify := PolicyFor("http://example.com/streams/v1/index.sjson", otherKeyring)
	_, err := verify(signed)
	require.ErrorIs(t, err, ErrNoSignature)
}

func TestPolicyForSignedMissingKeyringFile(t *testing.T) {
	t.Parallel()

	verify := PolicyFor("http://example.com/streams/v1/index.sjson", filepath.Join(t.TempDir(), "absent.gpg"))
	_, err := verify([]byte("whatever"))
	require.Error(t, err)
}
