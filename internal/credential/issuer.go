package credential

import (
	"context"
	"crypto/ed25519"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/kpledger/internal/model"
)

// ReputationReader is the slice of the reputation ledger an Issuer needs.
type ReputationReader interface {
	Get(ctx context.Context, agentID string) (*model.ReputationRecord, error)
}

// Issuer signs credentials from live reputation records. The private key
// never leaves the Issuer.
type Issuer struct {
	did                string
	verificationMethod string
	priv               ed25519.PrivateKey
	reputation         ReputationReader
}

// NewIssuer binds an issuer identity to its signing key.
func NewIssuer(did, verificationMethod string, priv ed25519.PrivateKey, rep ReputationReader) (*Issuer, error) {
	if did == "" {
		return nil, eris.New("credential: issuer DID is required")
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, eris.Errorf("credential: invalid private key length: %d", len(priv))
	}
	if verificationMethod == "" {
		verificationMethod = did + "#key-1"
	}
	return &Issuer{did: did, verificationMethod: verificationMethod, priv: priv, reputation: rep}, nil
}

// PublicKey returns the key verifiers should use.
func (i *Issuer) PublicKey() ed25519.PublicKey {
	return i.priv.Public().(ed25519.PublicKey)
}

// IssueFor signs a credential attesting the agent's current reputation.
func (i *Issuer) IssueFor(ctx context.Context, agentID, domain string) (Credential, error) {
	rec, err := i.reputation.Get(ctx, agentID)
	if err != nil {
		return Credential{}, eris.Wrapf(err, "credential: load reputation for %s", agentID)
	}

	vc := Issue(IssueRequest{
		AgentID:       rec.AgentID,
		Score:         rec.Score,
		Contributions: rec.Contributions,
		Validations:   rec.Validations,
		Issuer:        i.did,
		Domain:        domain,
	})
	signed, err := Sign(vc, i.priv, i.verificationMethod)
	if err != nil {
		return Credential{}, err
	}

	zap.L().Info("issued reputation credential",
		zap.String("agent_id", agentID),
		zap.Float64("score", rec.Score),
		zap.String("domain", domain),
	)
	return signed, nil
}

// Verify checks a credential against this issuer's public key.
func (i *Issuer) Verify(vc Credential) bool {
	return Verify(vc, i.PublicKey())
}
