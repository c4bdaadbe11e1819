package store

import (
	"context"
	"errors"

	"github.com/flightctl/attestctl/internal/store/model"
	"gorm.io/gorm"
)

// AgentStore persists RegistrarAgent rows, one per enrolled agent.
// There is no organization/tenant scoping in this data model: agent_id
// is the sole primary key.
type AgentStore interface {
	Create(ctx context.Context, agent *model.RegistrarAgent) error
	Get(ctx context.Context, agentID string) (*model.RegistrarAgent, error)
	Update(ctx context.Context, agent *model.RegistrarAgent) error
	Delete(ctx context.Context, agentID string) error
	List(ctx context.Context, params ListParams) ([]model.RegistrarAgent, error)

	// UpdateAcceptAttestations flips the accept_attestations flag and
	// persists learned IMA keyrings in one row-level update; callers
	// invoke this alongside AttestationStore.SetTerminal within the
	// same caller-managed transaction.
	UpdateAcceptAttestations(ctx context.Context, agentID string, accept bool, learnedIMAKeyrings string) error
}

type agentStore struct {
	db *gorm.DB
}

func (s *agentStore) Create(ctx context.Context, agent *model.RegistrarAgent) error {
	return s.db.WithContext(ctx).Create(agent).Error
}

func (s *agentStore) Get(ctx context.Context, agentID string) (*model.RegistrarAgent, error) {
	var a model.RegistrarAgent
	if err := s.db.WithContext(ctx).First(&a, "agent_id = ?", agentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, gorm.ErrRecordNotFound
		}
		return nil, err
	}
	return &a, nil
}

func (s *agentStore) Update(ctx context.Context, agent *model.RegistrarAgent) error {
	return s.db.WithContext(ctx).Save(agent).Error
}

func (s *agentStore) Delete(ctx context.Context, agentID string) error {
	return s.db.WithContext(ctx).Delete(&model.RegistrarAgent{}, "agent_id = ?", agentID).Error
}

func (s *agentStore) List(ctx context.Context, params ListParams) ([]model.RegistrarAgent, error) {
	q := s.db.WithContext(ctx).Order("agent_id")
	if params.Continue != nil {
		q = q.Where("agent_id > ?", params.Continue.Name)
	}
	if params.Limit > 0 {
		q = q.Limit(params.Limit)
	}
	var agents []model.RegistrarAgent
	if err := q.Find(&agents).Error; err != nil {
		return nil, err
	}
	return agents, nil
}

func (s *agentStore) UpdateAcceptAttestations(ctx context.Context, agentID string, accept bool, learnedIMAKeyrings string) error {
	return s.db.WithContext(ctx).Model(&model.RegistrarAgent{}).
		Where("agent_id = ?", agentID).
		Updates(map[string]interface{}{
			"accept_attestations":  accept,
			"learned_ima_keyrings": learnedIMAKeyrings,
		}).Error
}
