package store

import (
	"context"
	"errors"
	"strings"

	"github.com/flightctl/attestctl/internal/store/model"
	"gorm.io/gorm"
)

// ErrConcurrentNegotiation is returned by Create when a unique-index
// conflict on (agent_id, index) is detected — another worker committed
// the same index first.
var ErrConcurrentNegotiation = errors.New("concurrent negotiation: index already taken")

// AttestationStore persists PushAttestation rows keyed (agent_id, index).
type AttestationStore interface {
	// Create inserts a new attestation. Returns ErrConcurrentNegotiation
	// if the (agent_id, index) pair already exists.
	Create(ctx context.Context, a *model.PushAttestation) error
	Get(ctx context.Context, agentID string, index int) (*model.PushAttestation, error)
	// Latest returns the highest-index attestation for the agent, or
	// nil if none exists.
	Latest(ctx context.Context, agentID string) (*model.PushAttestation, error)
	List(ctx context.Context, agentID string, params ListParams) ([]model.PushAttestation, error)
	Delete(ctx context.Context, agentID string, index int) error

	// MarkReceived transitions waiting -> received and stamps
	// evidence_received_at, storing the submitted evidence fields.
	MarkReceived(ctx context.Context, agentID string, index int, quote, imaEntries string, mbEntries []byte) error

	// SetTerminal transitions received -> verified|failed, recording
	// the failure classification, quoted IMA entry count, and
	// authenticated PCR map.
	SetTerminal(ctx context.Context, agentID string, index int, status, failureType string, quotedIMAEntries int, pcrs string) error

	// ListPending returns every waiting/received row across all agents,
	// the candidate set the janitor sweep applies deadline math to.
	ListPending(ctx context.Context) ([]model.PushAttestation, error)
}

type attestationStore struct {
	db *gorm.DB
}

func (s *attestationStore) Create(ctx context.Context, a *model.PushAttestation) error {
	err := s.db.WithContext(ctx).Create(a).Error
	if err != nil && isUniqueViolation(err) {
		return ErrConcurrentNegotiation
	}
	return err
}

func (s *attestationStore) Get(ctx context.Context, agentID string, index int) (*model.PushAttestation, error) {
	var a model.PushAttestation
	err := s.db.WithContext(ctx).First(&a, "agent_id = ? AND index = ?", agentID, index).Error
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *attestationStore) Latest(ctx context.Context, agentID string) (*model.PushAttestation, error) {
	var a model.PushAttestation
	err := s.db.WithContext(ctx).Where("agent_id = ?", agentID).Order("index DESC").First(&a).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

func (s *attestationStore) List(ctx context.Context, agentID string, params ListParams) ([]model.PushAttestation, error) {
	q := s.db.WithContext(ctx).Where("agent_id = ?", agentID).Order("index DESC")
	if params.Limit > 0 {
		q = q.Limit(params.Limit)
	}
	var rows []model.PushAttestation
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *attestationStore) Delete(ctx context.Context, agentID string, index int) error {
	return s.db.WithContext(ctx).Delete(&model.PushAttestation{}, "agent_id = ? AND index = ?", agentID, index).Error
}

func (s *attestationStore) MarkReceived(ctx context.Context, agentID string, index int, quote, imaEntries string, mbEntries []byte) error {
	return s.db.WithContext(ctx).Model(&model.PushAttestation{}).
		Where("agent_id = ? AND index = ? AND status = ?", agentID, index, "waiting").
		Updates(map[string]interface{}{
			"status":               "received",
			"tpm_quote":            quote,
			"ima_entries":          imaEntries,
			"mb_entries":           mbEntries,
			"evidence_received_at": gorm.Expr("now()"),
		}).Error
}

func (s *attestationStore) SetTerminal(ctx context.Context, agentID string, index int, status, failureType string, quotedIMAEntries int, pcrs string) error {
	return s.db.WithContext(ctx).Model(&model.PushAttestation{}).
		Where("agent_id = ? AND index = ? AND status = ?", agentID, index, "received").
		Updates(map[string]interface{}{
			"status":                   status,
			"failure_type":             failureType,
			"quoted_ima_entries_count": quotedIMAEntries,
			"tpm_pcrs":                 pcrs,
		}).Error
}

func (s *attestationStore) ListPending(ctx context.Context) ([]model.PushAttestation, error) {
	var rows []model.PushAttestation
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{"waiting", "received"}).
		Find(&rows).Error
	return rows, err
}

// isUniqueViolation is a best-effort, driver-agnostic check: Postgres
// reports SQLSTATE 23505 in its error text via pgconn/pgx, which gorm
// surfaces through the wrapped error string.
func isUniqueViolation(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "23505") || strings.Contains(err.Error(), "duplicate key"))
}
