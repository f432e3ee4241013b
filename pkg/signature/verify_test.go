package signature_test

import (
	"bytes"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/clearsign"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxmox/proxmox-offline-mirror/pkg/mirrorerr"
	"github.com/proxmox/proxmox-offline-mirror/pkg/signature"
)

func newTestEntity(t *testing.T) *openpgp.Entity {
	t.Helper()
	entity, err := openpgp.NewEntity("mirror test", "", "test@example.com", nil)
	require.NoError(t, err)
	return entity
}

func clearSign(t *testing.T, entity *openpgp.Entity, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := clearsign.Encode(&buf, entity.PrivateKey, nil)
	require.NoError(t, err)
	_, err = w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func detachSign(t *testing.T, entity *openpgp.Entity, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, openpgp.ArmoredDetachSign(&buf, entity, bytes.NewReader(payload), nil))
	return buf.Bytes()
}

func TestVerifyClearSignedOK(t *testing.T) {
	t.Parallel()
	entity := newTestEntity(t)
	payload := []byte("Suite: stable\nCodename: bookworm\n")
	signed := clearSign(t, entity, payload)

	v := signature.NewVerifier(openpgp.EntityList{entity})
	got, err := v.VerifyClearSigned(signed)
	require.NoError(t, err)
	assert.Equal(t, string(payload), string(got))
}

func TestVerifyClearSignedUnknownSigner(t *testing.T) {
	t.Parallel()
	signer := newTestEntity(t)
	other := newTestEntity(t)
	signed := clearSign(t, signer, []byte("payload"))

	v := signature.NewVerifier(openpgp.EntityList{other})
	_, err := v.VerifyClearSigned(signed)
	require.Error(t, err)
	assert.True(t, mirrorerr.Is(err, mirrorerr.KindSignatureInvalid))
}

func TestVerifyDetachedOK(t *testing.T) {
	t.Parallel()
	entity := newTestEntity(t)
	payload := []byte("Package: foo\nVersion: 1\n")
	sig := detachSign(t, entity, payload)

	v := signature.NewVerifier(openpgp.EntityList{entity})
	ok, err := v.VerifyDetached(payload, sig)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyDetachedTamperedPayload(t *testing.T) {
	t.Parallel()
	entity := newTestEntity(t)
	sig := detachSign(t, entity, []byte("original"))

	v := signature.NewVerifier(openpgp.EntityList{entity})
	_, err := v.VerifyDetached([]byte("tampered"), sig)
	require.Error(t, err)
	assert.True(t, mirrorerr.Is(err, mirrorerr.KindSignatureInvalid))
}

func TestReadArmoredKeyRing(t *testing.T) {
	t.Parallel()
	entity := newTestEntity(t)
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	require.NoError(t, err)
	require.NoError(t, entity.Serialize(w))
	require.NoError(t, w.Close())

	kr, err := signature.ReadArmoredKeyRing(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Len(t, kr, 1)
}

