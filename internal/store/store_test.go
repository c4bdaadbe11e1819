package store

import (
	"context"
	"testing"
	"time"

	"github.com/flightctl/attestctl/internal/config"
	"github.com/flightctl/attestctl/internal/store/model"
	flightlog "github.com/flightctl/attestctl/pkg/log"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

func TestStore(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Store Suite")
}

var _ = Describe("agent store", func() {
	var (
		log    *logrus.Logger
		ctx    context.Context
		store  Store
		cfg    *config.Config
		dbName string
	)

	BeforeEach(func() {
		ctx = context.Background()
		log = flightlog.InitLogs()
		store, cfg, dbName = PrepareDBForUnitTests(log)
	})

	AfterEach(func() {
		DeleteTestDB(cfg, store, dbName)
	})

	It("creates and fetches an agent", func() {
		err := store.Agents().Create(ctx, &model.RegistrarAgent{
			AgentID: "agent-1",
			EKTpm:   "ektpm",
			AIKTpm:  "aiktpm",
		})
		Expect(err).ToNot(HaveOccurred())

		a, err := store.Agents().Get(ctx, "agent-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(a.Active).To(BeFalse())
		Expect(a.RegCount).To(Equal(0))
	})

	It("returns gorm.ErrRecordNotFound for an unknown agent", func() {
		_, err := store.Agents().Get(ctx, "nonexistent")
		Expect(err).To(Equal(gorm.ErrRecordNotFound))
	})

	It("lists agents in agent_id order", func() {
		for _, id := range []string{"agent-a", "agent-b", "agent-c"} {
			Expect(store.Agents().Create(ctx, &model.RegistrarAgent{AgentID: id})).To(Succeed())
		}
		agents, err := store.Agents().List(ctx, ListParams{Limit: 1000})
		Expect(err).ToNot(HaveOccurred())
		Expect(agents).To(HaveLen(3))
		Expect(agents[0].AgentID).To(Equal("agent-a"))
	})
})

var _ = Describe("attestation store", func() {
	var (
		log    *logrus.Logger
		ctx    context.Context
		store  Store
		cfg    *config.Config
		dbName string
	)

	BeforeEach(func() {
		ctx = context.Background()
		log = flightlog.InitLogs()
		store, cfg, dbName = PrepareDBForUnitTests(log)
		Expect(store.Agents().Create(ctx, &model.RegistrarAgent{AgentID: "agent-1"})).To(Succeed())
	})

	AfterEach(func() {
		DeleteTestDB(cfg, store, dbName)
	})

	It("enforces (agent_id, index) uniqueness", func() {
		now := time.Now().UTC()
		a := &model.PushAttestation{
			AgentID:        "agent-1",
			Index:          0,
			Nonce:          "n1",
			NonceCreatedAt: now,
			NonceExpiresAt: now.Add(time.Minute),
			Status:         "waiting",
			Boottime:       now,
		}
		Expect(store.Attestations().Create(ctx, a)).To(Succeed())

		dup := *a
		err := store.Attestations().Create(ctx, &dup)
		Expect(err).To(Equal(ErrConcurrentNegotiation))
	})

	It("returns the highest-index attestation from Latest", func() {
		now := time.Now().UTC()
		for i := 0; i < 3; i++ {
			Expect(store.Attestations().Create(ctx, &model.PushAttestation{
				AgentID:        "agent-1",
				Index:          i,
				NonceCreatedAt: now,
				NonceExpiresAt: now.Add(time.Minute),
				Status:         "waiting",
				Boottime:       now,
			})).To(Succeed())
		}
		latest, err := store.Attestations().Latest(ctx, "agent-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(latest.Index).To(Equal(2))
	})

	It("transitions waiting -> received -> verified", func() {
		now := time.Now().UTC()
		Expect(store.Attestations().Create(ctx, &model.PushAttestation{
			AgentID:        "agent-1",
			Index:          0,
			NonceCreatedAt: now,
			NonceExpiresAt: now.Add(time.Minute),
			Status:         "waiting",
			Boottime:       now,
		})).To(Succeed())

		Expect(store.Attestations().MarkReceived(ctx, "agent-1", 0, "quote", "ima", nil)).To(Succeed())
		Expect(store.Attestations().SetTerminal(ctx, "agent-1", 0, "verified", "", 10, "{}")).To(Succeed())

		a, err := store.Attestations().Get(ctx, "agent-1", 0)
		Expect(err).ToNot(HaveOccurred())
		Expect(a.Status).To(Equal("verified"))
		Expect(a.EvidenceReceivedAt).ToNot(BeNil())
	})
})
