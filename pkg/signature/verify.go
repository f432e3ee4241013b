// Package signature wraps OpenPGP clear-signed and detached-signature
// verification against a configured keyring. It is purely computational:
// it never performs I/O beyond the bytes and keyring handed to it.
package signature

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/clearsign"
	"github.com/ProtonMail/go-crypto/openpgp/packet"

	"github.com/proxmox/proxmox-offline-mirror/pkg/mirrorerr"
)

// Verifier checks OpenPGP signatures against a fixed keyring, loaded once
// per mirror at init.
type Verifier struct {
	keyring openpgp.EntityList
	now     func() time.Time
}

// NewVerifier builds a Verifier from an already-loaded keyring.
func NewVerifier(keyring openpgp.EntityList) *Verifier {
	return &Verifier{keyring: keyring, now: time.Now}
}

// VerifyClearSigned verifies a clear-signed document (the InRelease
// format) and returns the canonical payload bytes that were signed.
func (v *Verifier) VerifyClearSigned(data []byte) ([]byte, error) {
	block, rest := clearsign.Decode(data)
	if block == nil {
		return nil, mirrorerr.New(mirrorerr.KindSignatureInvalid, fmt.Errorf("not a clearsigned message"))
	}
	if len(bytes.TrimSpace(rest)) != 0 {
		return nil, mirrorerr.New(mirrorerr.KindSignatureInvalid, fmt.Errorf("trailing data after clearsign block"))
	}

	signer, err := openpgp.CheckDetachedSignature(v.keyring, bytes.NewReader(block.Bytes), block.ArmoredSignature.Body, nil)
	if err != nil {
		return nil, mirrorerr.New(mirrorerr.KindSignatureInvalid, err)
	}
	if err := v.checkEntity(signer); err != nil {
		return nil, err
	}

	return block.Plaintext, nil
}

// VerifyDetached verifies payload against an ASCII-armored detached
// signature (the Release + Release.gpg format).
func (v *Verifier) VerifyDetached(payload, sig []byte) (bool, error) {
	signer, err := openpgp.CheckArmoredDetachedSignature(v.keyring, bytes.NewReader(payload), bytes.NewReader(sig), nil)
	if err != nil {
		// An unknown signer or corrupt signature is reported as
		// SignatureInvalid, not as a boolean false, per the verifier
		// contract: failure to verify is an error, not a negative result.
		return false, mirrorerr.New(mirrorerr.KindSignatureInvalid, err)
	}
	if err := v.checkEntity(signer); err != nil {
		return false, err
	}
	return true, nil
}

func (v *Verifier) checkEntity(signer *openpgp.Entity) error {
	if signer == nil {
		return mirrorerr.New(mirrorerr.KindSignatureInvalid, fmt.Errorf("unknown signer"))
	}

	now := v.now()
	if signer.Revoked(now) {
		return mirrorerr.New(mirrorerr.KindSignatureInvalid, fmt.Errorf("signing key is revoked"))
	}

	// Accept RSA and Ed25519 primary and signing subkeys; reject anything
	// else to keep the accepted algorithm surface deliberately narrow.
	if !acceptablePublicKeyAlgo(signer.PrimaryKey.PubKeyAlgo) {
		ok := false
		for _, sk := range signer.Subkeys {
			if acceptablePublicKeyAlgo(sk.PublicKey.PubKeyAlgo) && !sk.PublicKey.KeyExpired(sk.Sig, now) {
				ok = true
				break
			}
		}
		if !ok {
			return mirrorerr.New(mirrorerr.KindSignatureInvalid, fmt.Errorf("signer uses an unsupported key algorithm"))
		}
	}

	if id := primaryIdentity(signer); id != nil && id.SelfSignature != nil && signer.PrimaryKey.KeyExpired(id.SelfSignature, now) {
		return mirrorerr.New(mirrorerr.KindSignatureInvalid, fmt.Errorf("signing key has expired"))
	}

	return nil
}

func acceptablePublicKeyAlgo(algo packet.PublicKeyAlgorithm) bool {
	switch algo {
	case packet.PubKeyAlgoRSA, packet.PubKeyAlgoRSASignOnly, packet.PubKeyAlgoEdDSA:
		return true
	default:
		return false
	}
}

func primaryIdentity(e *openpgp.Entity) *openpgp.Identity {
	var best *openpgp.Identity
	for _, id := range e.Identities {
		if best == nil || (id.SelfSignature != nil && id.SelfSignature.IsPrimaryId != nil && *id.SelfSignature.IsPrimaryId) {
			best = id
		}
	}
	return best
}

// ReadArmoredKeyRing reads an armored OpenPGP keyring, the shape the
// mirror's keyring config always provides it in.
func ReadArmoredKeyRing(r io.Reader) (openpgp.EntityList, error) {
	kr, err := openpgp.ReadArmoredKeyRing(r)
	if err != nil {
		return nil, mirrorerr.New(mirrorerr.KindSignatureInvalid, fmt.Errorf("decoding keyring: %w", err))
	}
	return kr, nil
}
