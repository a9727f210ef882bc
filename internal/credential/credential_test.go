package credential

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/kpledger/internal/apperr"
	"github.com/sells-group/kpledger/internal/model"
)

func testKey(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := GenerateKey()
	require.NoError(t, err)
	return pub, priv
}

func sampleCredential() Credential {
	return Issue(IssueRequest{
		AgentID:       "kp:agent:alice",
		Score:         42.5,
		Contributions: 7,
		Validations:   3,
		Issuer:        "did:kp:registry",
		Domain:        "security",
	})
}

func TestIssue_Unsigned(t *testing.T) {
	vc := sampleCredential()

	assert.Nil(t, vc.Proof)
	assert.Equal(t, DefaultContext, vc.Context)
	assert.Equal(t, DefaultType, vc.Type)
	assert.Equal(t, "did:kp:registry", vc.Issuer)
	assert.NotEmpty(t, vc.IssuanceDate)
	assert.Equal(t, "kp:agent:alice", vc.CredentialSubject.ID)
	assert.Equal(t, "security", vc.CredentialSubject.Domain)
}

func TestSignVerify_RoundTrip(t *testing.T) {
	pub, priv := testKey(t)

	signed, err := Sign(sampleCredential(), priv, "did:kp:registry#key-1")
	require.NoError(t, err)
	require.NotNil(t, signed.Proof)
	assert.Equal(t, ProofType, signed.Proof.Type)
	assert.Equal(t, ProofPurpose, signed.Proof.ProofPurpose)
	assert.Equal(t, "did:kp:registry#key-1", signed.Proof.VerificationMethod)

	assert.True(t, Verify(signed, pub))
}

func TestVerify_WrongKey(t *testing.T) {
	_, priv := testKey(t)
	otherPub, _ := testKey(t)

	signed, err := Sign(sampleCredential(), priv, "vm")
	require.NoError(t, err)
	assert.False(t, Verify(signed, otherPub))
}

func TestVerify_TamperedSubject(t *testing.T) {
	pub, priv := testKey(t)
	signed, err := Sign(sampleCredential(), priv, "vm")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Credential)
	}{
		{"score", func(c *Credential) { c.CredentialSubject.Score = 99 }},
		{"contributions", func(c *Credential) { c.CredentialSubject.Contributions++ }},
		{"validations", func(c *Credential) { c.CredentialSubject.Validations = 0 }},
		{"id", func(c *Credential) { c.CredentialSubject.ID = "kp:agent:mallory" }},
		{"domain", func(c *Credential) { c.CredentialSubject.Domain = "" }},
		{"issuer", func(c *Credential) { c.Issuer = "did:kp:evil" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := signed
			p := *signed.Proof
			c.Proof = &p
			tt.mutate(&c)
			assert.False(t, Verify(c, pub))
		})
	}
}

func TestVerify_MissingOrMalformedProof(t *testing.T) {
	pub, priv := testKey(t)
	assert.False(t, Verify(sampleCredential(), pub))

	signed, err := Sign(sampleCredential(), priv, "vm")
	require.NoError(t, err)

	bad := signed
	p := *signed.Proof
	p.ProofValue = "not base64 !!"
	bad.Proof = &p
	assert.False(t, Verify(bad, pub))

	short := signed
	p2 := *signed.Proof
	p2.ProofValue = base64.StdEncoding.EncodeToString([]byte("short"))
	short.Proof = &p2
	assert.False(t, Verify(short, pub))

	assert.False(t, Verify(signed, ed25519.PublicKey([]byte("tiny"))))
}

func TestVerify_SurvivesJSONRoundTrip(t *testing.T) {
	pub, priv := testKey(t)
	signed, err := Sign(sampleCredential(), priv, "vm")
	require.NoError(t, err)

	raw, err := json.Marshal(signed)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"@context"`)

	var decoded Credential
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.True(t, Verify(decoded, pub))
}

func TestCanonicalize_ExcludesProof(t *testing.T) {
	_, priv := testKey(t)
	vc := sampleCredential()
	signed, err := Sign(vc, priv, "vm")
	require.NoError(t, err)

	a, err := Canonicalize(vc)
	require.NoError(t, err)
	b, err := Canonicalize(signed)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.NotContains(t, string(b), "proof")
}

func TestSign_InvalidKey(t *testing.T) {
	_, err := Sign(sampleCredential(), ed25519.PrivateKey([]byte("short")), "vm")
	require.Error(t, err)
}

func TestLoadOrGenerateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "issuer.key")

	pub1, priv1, err := LoadOrGenerateKey(path)
	require.NoError(t, err)
	pub2, priv2, err := LoadOrGenerateKey(path)
	require.NoError(t, err)

	assert.Equal(t, pub1, pub2)
	assert.Equal(t, priv1, priv2)
}

func TestPublicKeyEncoding(t *testing.T) {
	pub, _ := testKey(t)
	decoded, err := DecodePublicKey(EncodePublicKey(pub))
	require.NoError(t, err)
	assert.Equal(t, pub, decoded)

	_, err = DecodePublicKey(base64.StdEncoding.EncodeToString([]byte("short")))
	require.Error(t, err)
}

type stubReputation map[string]*model.ReputationRecord

func (s stubReputation) Get(_ context.Context, agentID string) (*model.ReputationRecord, error) {
	rec, ok := s[agentID]
	if !ok {
		return nil, apperr.NotFound("reputation", agentID)
	}
	return rec, nil
}

func TestIssuer_IssueFor(t *testing.T) {
	_, priv := testKey(t)
	rep := stubReputation{
		"alice": {AgentID: "alice", Score: 12, Contributions: 4, Validations: 2},
	}
	iss, err := NewIssuer("did:kp:registry", "", priv, rep)
	require.NoError(t, err)

	vc, err := iss.IssueFor(context.Background(), "alice", "go")
	require.NoError(t, err)
	assert.Equal(t, "did:kp:registry#key-1", vc.Proof.VerificationMethod)
	assert.InDelta(t, 12, vc.CredentialSubject.Score, 1e-9)
	assert.True(t, iss.Verify(vc))
	assert.True(t, Verify(vc, iss.PublicKey()))

	_, err = iss.IssueFor(context.Background(), "ghost", "")
	require.Error(t, err)
	assert.True(t, apperr.IsNotFound(err))
}

func TestNewIssuer_Validation(t *testing.T) {
	_, priv := testKey(t)
	_, err := NewIssuer("", "", priv, stubReputation{})
	require.Error(t, err)
	_, err = NewIssuer("did:kp:x", "", ed25519.PrivateKey{}, stubReputation{})
	require.Error(t, err)
}
