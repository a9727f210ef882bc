// Package credential issues and verifies Ed25519-signed W3C Verifiable
// Credentials that attest an agent's reputation snapshot.
package credential

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

const (
	ProofType    = "Ed25519Signature2020"
	ProofPurpose = "assertionMethod"
)

// DefaultContext and DefaultType are stamped on every issued credential.
var (
	DefaultContext = []string{
		"https://www.w3.org/2018/credentials/v1",
		"https://openknowledgepulse.org/credentials/v1",
	}
	DefaultType = []string{"VerifiableCredential", "KPReputationCredential"}
)

// Subject is the attested reputation snapshot.
type Subject struct {
	ID            string  `json:"id"`
	Score         float64 `json:"score"`
	Contributions int     `json:"contributions"`
	Validations   int     `json:"validations"`
	Domain        string  `json:"domain,omitempty"`
}

// Proof binds a credential to the issuer's key.
type Proof struct {
	Type               string `json:"type"`
	Created            string `json:"created"`
	VerificationMethod string `json:"verificationMethod"`
	ProofPurpose       string `json:"proofPurpose"`
	ProofValue         string `json:"proofValue"`
}

// Credential is a reputation Verifiable Credential. Field order is the
// canonical serialization order; do not reorder fields.
type Credential struct {
	Context           []string `json:"@context"`
	Type              []string `json:"type"`
	Issuer            string   `json:"issuer"`
	IssuanceDate      string   `json:"issuanceDate"`
	CredentialSubject Subject  `json:"credentialSubject"`
	Proof             *Proof   `json:"proof,omitempty"`
}

// IssueRequest carries the values a credential attests to.
type IssueRequest struct {
	AgentID       string
	Score         float64
	Contributions int
	Validations   int
	Issuer        string
	Domain        string
}

// Issue builds an unsigned credential stamped with the current time.
func Issue(req IssueRequest) Credential {
	return Credential{
		Context:      append([]string(nil), DefaultContext...),
		Type:         append([]string(nil), DefaultType...),
		Issuer:       req.Issuer,
		IssuanceDate: time.Now().UTC().Format(time.RFC3339Nano),
		CredentialSubject: Subject{
			ID:            req.AgentID,
			Score:         req.Score,
			Contributions: req.Contributions,
			Validations:   req.Validations,
			Domain:        req.Domain,
		},
	}
}

// Canonicalize returns the bytes that are signed and verified: the JSON
// encoding of every field except the proof, in declaration order. Sign and
// Verify must both go through this function.
func Canonicalize(vc Credential) ([]byte, error) {
	vc.Proof = nil
	b, err := json.Marshal(vc)
	if err != nil {
		return nil, eris.Wrap(err, "credential: canonicalize")
	}
	return b, nil
}

// Sign returns a copy of vc carrying an Ed25519 proof over its canonical form.
func Sign(vc Credential, priv ed25519.PrivateKey, verificationMethod string) (Credential, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return Credential{}, eris.Errorf("credential: invalid private key length: %d", len(priv))
	}
	msg, err := Canonicalize(vc)
	if err != nil {
		return Credential{}, err
	}
	sig := ed25519.Sign(priv, msg)

	signed := vc
	signed.Proof = &Proof{
		Type:               ProofType,
		Created:            time.Now().UTC().Format(time.RFC3339Nano),
		VerificationMethod: verificationMethod,
		ProofPurpose:       ProofPurpose,
		ProofValue:         base64.StdEncoding.EncodeToString(sig),
	}
	return signed, nil
}

// Verify reports whether vc carries a valid proof from pub. It never fails
// loudly: a missing proof, malformed signature or wrong key all yield false.
func Verify(vc Credential, pub ed25519.PublicKey) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	if vc.Proof == nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(vc.Proof.ProofValue)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	msg, err := Canonicalize(vc)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}
