package registrar

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/flightctl/attestctl/internal/api"
	"github.com/flightctl/attestctl/internal/store"
	"github.com/flightctl/attestctl/internal/store/model"
	"github.com/flightctl/attestctl/internal/tpm"
	"github.com/google/go-tpm/legacy/tpm2"
	"github.com/stretchr/testify/require"
)

// fakeAgentStore is an in-memory stand-in for store.AgentStore,
// following the same embed-the-real-interface-then-override shape the
// rest of the codebase uses for service-layer tests.
type fakeAgentStore struct {
	store.AgentStore
	agents map[string]*model.RegistrarAgent
}

func newFakeAgentStore() *fakeAgentStore {
	return &fakeAgentStore{agents: map[string]*model.RegistrarAgent{}}
}

func (s *fakeAgentStore) Create(ctx context.Context, agent *model.RegistrarAgent) error {
	agent.CreatedAt = time.Now().UTC()
	cp := *agent
	s.agents[agent.AgentID] = &cp
	return nil
}

func (s *fakeAgentStore) Get(ctx context.Context, agentID string) (*model.RegistrarAgent, error) {
	a, ok := s.agents[agentID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *fakeAgentStore) Update(ctx context.Context, agent *model.RegistrarAgent) error {
	if _, ok := s.agents[agent.AgentID]; !ok {
		return store.ErrNotFound
	}
	cp := *agent
	s.agents[agent.AgentID] = &cp
	return nil
}

func (s *fakeAgentStore) Delete(ctx context.Context, agentID string) error {
	if _, ok := s.agents[agentID]; !ok {
		return store.ErrNotFound
	}
	delete(s.agents, agentID)
	return nil
}

func (s *fakeAgentStore) List(ctx context.Context, params store.ListParams) ([]model.RegistrarAgent, error) {
	out := make([]model.RegistrarAgent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, *a)
	}
	return out, nil
}

func (s *fakeAgentStore) UpdateAcceptAttestations(ctx context.Context, agentID string, accept bool, learnedIMAKeyrings string) error {
	a, ok := s.agents[agentID]
	if !ok {
		return store.ErrNotFound
	}
	a.AcceptAttestations = accept
	a.LearnedIMAKeyrings = learnedIMAKeyrings
	return nil
}

// encodeTestRSAPublic encodes pub as a base64 TPM2B_PUBLIC area, the
// wire form ek_tpm/aik_tpm/iak_tpm/idevid_tpm fields carry.
func encodeTestRSAPublic(t *testing.T, pub *rsa.PublicKey) string {
	t.Helper()
	area := tpm2.Public{
		Type:       tpm2.AlgRSA,
		NameAlg:    tpm2.AlgSHA256,
		Attributes: tpm2.FlagSign | tpm2.FlagFixedTPM | tpm2.FlagFixedParent | tpm2.FlagSensitiveDataOrigin | tpm2.FlagUserWithAuth,
		RSAParameters: &tpm2.RSAParams{
			Sign:       &tpm2.SigScheme{Alg: tpm2.AlgRSASSA, Hash: tpm2.AlgSHA256},
			KeyBits:    2048,
			ModulusRaw: pub.N.Bytes(),
		},
	}
	enc, err := area.Encode()
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(enc)
}

func mustGenerateRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func TestEnrollNewAgentIssuesChallenge(t *testing.T) {
	s := newFakeAgentStore()
	enroller := NewAgentEnroller(s, nil, TPMIdentityDefault, false, "sha384", nil)

	ekKey := mustGenerateRSAKey(t)
	akKey := mustGenerateRSAKey(t)

	req := api.EnrollRequest{
		EKTpm:  encodeTestRSAPublic(t, &ekKey.PublicKey),
		AIKTpm: encodeTestRSAPublic(t, &akKey.PublicKey),
	}

	resp, err := enroller.Enroll(context.Background(), "00000000-0000-0000-0000-000000000001", req)
	require.NoError(t, err)
	require.NotEmpty(t, resp.Blob)

	stored, ok := s.agents["00000000-0000-0000-0000-000000000001"]
	require.True(t, ok)
	require.False(t, stored.Active)
	require.Equal(t, 1, stored.RegCount)
	require.NotEmpty(t, stored.Key)
}

func TestEnrollMissingRootIdentity(t *testing.T) {
	s := newFakeAgentStore()
	enroller := NewAgentEnroller(s, nil, TPMIdentityDefault, false, "sha384", nil)

	akKey := mustGenerateRSAKey(t)
	req := api.EnrollRequest{
		AIKTpm: encodeTestRSAPublic(t, &akKey.PublicKey),
	}

	_, err := enroller.Enroll(context.Background(), "00000000-0000-0000-0000-000000000002", req)
	require.Error(t, err)
	require.ErrorIs(t, err, tpm.ErrMissingRootIdentity)
}

func TestEnrollKeyCertMismatch(t *testing.T) {
	s := newFakeAgentStore()
	enroller := NewAgentEnroller(s, nil, TPMIdentityDefault, false, "sha384", nil)

	ekKey := mustGenerateRSAKey(t)
	otherKey := mustGenerateRSAKey(t)
	akKey := mustGenerateRSAKey(t)

	cert := selfSignedCert(t, otherKey)

	req := api.EnrollRequest{
		EKTpm:  encodeTestRSAPublic(t, &ekKey.PublicKey),
		EKCert: base64.StdEncoding.EncodeToString(cert.Raw),
		AIKTpm: encodeTestRSAPublic(t, &akKey.PublicKey),
	}

	_, err := enroller.Enroll(context.Background(), "00000000-0000-0000-0000-000000000003", req)
	require.Error(t, err)
	require.ErrorIs(t, err, tpm.ErrKeyCertMismatch)
}

func TestEnrollIdentityChangeResetsActive(t *testing.T) {
	s := newFakeAgentStore()
	enroller := NewAgentEnroller(s, nil, TPMIdentityDefault, false, "sha384", nil)

	ekKey := mustGenerateRSAKey(t)
	akKey := mustGenerateRSAKey(t)
	ekTpm := encodeTestRSAPublic(t, &ekKey.PublicKey)
	akTpm := encodeTestRSAPublic(t, &akKey.PublicKey)

	_, err := enroller.Enroll(context.Background(), "00000000-0000-0000-0000-000000000004", api.EnrollRequest{EKTpm: ekTpm, AIKTpm: akTpm})
	require.NoError(t, err)

	s.agents["00000000-0000-0000-0000-000000000004"].Active = true

	newAK := mustGenerateRSAKey(t)
	_, err = enroller.Enroll(context.Background(), "00000000-0000-0000-0000-000000000004", api.EnrollRequest{EKTpm: ekTpm, AIKTpm: encodeTestRSAPublic(t, &newAK.PublicKey)})
	require.NoError(t, err)

	require.False(t, s.agents["00000000-0000-0000-0000-000000000004"].Active)
	require.Equal(t, 2, s.agents["00000000-0000-0000-0000-000000000004"].RegCount)
}

func selfSignedCert(t *testing.T, key *rsa.PrivateKey) *x509.Certificate {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func TestActivateSuccessAndMismatch(t *testing.T) {
	s := newFakeAgentStore()
	enroller := NewAgentEnroller(s, nil, TPMIdentityDefault, false, "sha384", nil)

	secret := []byte("0123456789abcdef0123456789abcdef")
	s.agents["agent-5"] = &model.RegistrarAgent{
		AgentID:   "agent-5",
		Key:       base64.StdEncoding.EncodeToString(secret),
		CreatedAt: time.Now(),
	}

	expected, err := tpm.ComputeHMAC(secret, []byte("agent-5"), "sha384")
	require.NoError(t, err)

	err = enroller.Activate(context.Background(), "agent-5", base64.StdEncoding.EncodeToString(expected))
	require.NoError(t, err)
	require.True(t, s.agents["agent-5"].Active)

	err = enroller.Activate(context.Background(), "agent-5", base64.StdEncoding.EncodeToString([]byte("wrong-tag-bytes-00000000000000")))
	require.ErrorIs(t, err, ErrNotMatched)
	require.False(t, s.agents["agent-5"].Active)
}

func TestActivateNotFound(t *testing.T) {
	s := newFakeAgentStore()
	enroller := NewAgentEnroller(s, nil, TPMIdentityDefault, false, "sha384", nil)

	err := enroller.Activate(context.Background(), "no-such-agent", "dGFn")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetListDelete(t *testing.T) {
	s := newFakeAgentStore()
	enroller := NewAgentEnroller(s, nil, TPMIdentityDefault, false, "sha384", nil)

	s.agents["agent-6"] = &model.RegistrarAgent{AgentID: "agent-6", Active: true, CreatedAt: time.Now()}

	got, err := enroller.Get(context.Background(), "agent-6")
	require.NoError(t, err)
	require.Equal(t, "agent-6", got.AgentID)
	require.True(t, got.Active)

	_, err = enroller.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)

	list, err := enroller.List(context.Background(), store.ListParams{})
	require.NoError(t, err)
	require.Equal(t, []string{"agent-6"}, list.UUIDs)

	require.NoError(t, enroller.Delete(context.Background(), "agent-6"))
	require.ErrorIs(t, enroller.Delete(context.Background(), "agent-6"), ErrNotFound)
}

func TestCheckRootIdentityPolicies(t *testing.T) {
	e := &AgentEnroller{tpmIdentity: TPMIdentityEKCert}
	require.ErrorIs(t, e.checkRootIdentity(api.EnrollRequest{}), tpm.ErrMissingRootIdentity)
	require.NoError(t, e.checkRootIdentity(api.EnrollRequest{EKTpm: "x"}))

	e = &AgentEnroller{tpmIdentity: TPMIdentityIAKIDevID}
	require.ErrorIs(t, e.checkRootIdentity(api.EnrollRequest{EKTpm: "x"}), tpm.ErrMissingRootIdentity)
	require.Error(t, e.checkRootIdentity(api.EnrollRequest{IAKTpm: "x", IDevIDTpm: "y"})) // missing certs
	require.NoError(t, e.checkRootIdentity(api.EnrollRequest{IAKTpm: "x", IAKCert: "c1", IDevIDTpm: "y", IDevIDCert: "c2"}))

	e = &AgentEnroller{tpmIdentity: TPMIdentityDefault}
	require.ErrorIs(t, e.checkRootIdentity(api.EnrollRequest{}), tpm.ErrMissingRootIdentity)
	require.NoError(t, e.checkRootIdentity(api.EnrollRequest{EKTpm: "x"}))
}

func TestStatusForClassification(t *testing.T) {
	code, status := StatusFor(ErrNotFound)
	require.Equal(t, 404, code)
	require.Equal(t, api.StatusNotFound, status)

	code, status = StatusFor(nil)
	require.Equal(t, 200, code)
	require.Equal(t, api.StatusOK, status)

	code, status = StatusFor(errors.New("boom"))
	require.Equal(t, 500, code)
	require.Equal(t, api.StatusInternalError, status)
}
