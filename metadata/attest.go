package metadata

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha1"
	"fmt"

	"github.com/veraison/go-cose"

	"github.com/git-incrypt/git-incrypt/gitobj"
)

// sign produces a COSE_Sign1 envelope whose payload is the sha1 of the
// concatenated blob ids of ver, key, msg, def and map, the optional
// attestation feature layered over the metadata record (see SPEC_FULL.md
// sec 2, grounded on massifs/rootsigner.go's Sign1 usage). With a
// verification key configured, Read rejects a metadata record swapped by
// someone with transport write access but without the repository's
// attestation key.
func sign(key *ecdsa.PrivateKey, blobIDs ...gitobj.ID) ([]byte, error) {
	signer, err := cose.NewSigner(cose.AlgorithmES256, key)
	if err != nil {
		return nil, err
	}
	msg := cose.Sign1Message{
		Headers: cose.Headers{
			Protected: cose.ProtectedHeader{
				cose.HeaderLabelAlgorithm: cose.AlgorithmES256,
			},
		},
		Payload: digest(blobIDs...),
	}
	if err := msg.Sign(rand.Reader, nil, signer); err != nil {
		return nil, err
	}
	return msg.MarshalCBOR()
}

// verify checks a previously-produced attestation against pub.
func verify(pub *ecdsa.PublicKey, sig []byte, blobIDs ...gitobj.ID) error {
	verifier, err := cose.NewVerifier(cose.AlgorithmES256, pub)
	if err != nil {
		return err
	}
	var msg cose.Sign1Message
	if err := msg.UnmarshalCBOR(sig); err != nil {
		return fmt.Errorf("decoding attestation: %w", err)
	}
	if err := msg.Verify(nil, verifier); err != nil {
		return fmt.Errorf("verifying attestation: %w", err)
	}
	want := digest(blobIDs...)
	if string(msg.Payload) != string(want) {
		return fmt.Errorf("attestation payload mismatch")
	}
	return nil
}

func digest(blobIDs ...gitobj.ID) []byte {
	h := sha1.New()
	for _, id := range blobIDs {
		h.Write(id[:])
	}
	return h.Sum(nil)
}
