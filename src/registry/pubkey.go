package registry

import (
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec"
)

/*
Node identities are secp256k1 public keys, hex-encoded on the wire. The
gateway never verifies signatures (that is the auth collaborator's job) but
it does refuse to register anything that is not a point on the curve.
*/

// ValidatePubKey checks that pubKey is the hex encoding of a valid secp256k1
// public key, in compressed or uncompressed form.
func ValidatePubKey(pubKey string) error {
	raw, err := hex.DecodeString(pubKey)
	if err != nil {
		return err
	}

	_, err = btcec.ParsePubKey(raw, btcec.S256())

	return err
}
