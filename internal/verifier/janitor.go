package verifier

import (
	"context"
	"fmt"
	"time"

	"github.com/flightctl/attestctl/internal/api"
	"github.com/flightctl/attestctl/internal/store"
	"github.com/flightctl/attestctl/internal/store/model"
	"github.com/flightctl/attestctl/pkg/log"
	"github.com/robfig/cron/v3"
)

// Janitor periodically sweeps waiting/received attestation rows and
// deletes the ones a negotiate call would otherwise classify as stale,
// so an agent that never comes back for its next round doesn't leave
// an orphaned row behind forever.
type Janitor struct {
	store               store.Store
	schedule            cron.Schedule
	quoteInterval       time.Duration
	verificationTimeout time.Duration
	log                 *log.PrefixLogger

	nowFn func() time.Time
}

// NewJanitor parses cronExpr (standard 5-field minute/hour/dom/month/dow
// syntax, or a descriptor such as "@every 1m" or "@hourly") and builds
// a Janitor that applies the same pacing deadlines
// AttestationCoordinator uses to decide staleness.
func NewJanitor(s store.Store, cronExpr string, quoteInterval, verificationTimeout time.Duration, logger *log.PrefixLogger) (*Janitor, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("invalid janitor schedule %q: %w", cronExpr, err)
	}
	return &Janitor{
		store:               s,
		schedule:            schedule,
		quoteInterval:       quoteInterval,
		verificationTimeout: verificationTimeout,
		log:                 logger,
		nowFn:               time.Now,
	}, nil
}

// Run blocks, sweeping on every schedule tick until ctx is canceled.
func (j *Janitor) Run(ctx context.Context) {
	for {
		now := j.nowFn()
		next := j.schedule.Next(now)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if err := j.Sweep(ctx); err != nil && j.log != nil {
				j.log.Errorf("attestation janitor sweep: %v", err)
			}
		}
	}
}

// Sweep deletes every pending attestation row past its pacing deadline:
// a waiting row whose quote_interval window has elapsed, or a received
// row whose verification_timeout has elapsed without reaching a
// terminal status.
func (j *Janitor) Sweep(ctx context.Context) error {
	rows, err := j.store.Attestations().ListPending(ctx)
	if err != nil {
		return fmt.Errorf("listing pending attestations: %w", err)
	}

	now := j.nowFn()
	var swept int
	for i := range rows {
		a := &rows[i]
		if !j.isStale(a, now) {
			continue
		}
		if err := j.store.Attestations().Delete(ctx, a.AgentID, a.Index); err != nil {
			if j.log != nil {
				j.log.Warnf("deleting stale attestation agent=%s index=%d: %v", a.AgentID, a.Index, err)
			}
			continue
		}
		swept++
	}
	if swept > 0 {
		janitorSweptTotal.Add(float64(swept))
		if j.log != nil {
			j.log.Infof("attestation janitor swept %d stale records", swept)
		}
	}
	return nil
}

func (j *Janitor) isStale(a *model.PushAttestation, now time.Time) bool {
	if a.Status == api.AttestationWaiting {
		return now.After(a.NonceCreatedAt.Add(j.quoteInterval))
	}
	if a.Status == api.AttestationReceived {
		decisionBasis := a.NonceCreatedAt.Add(j.quoteInterval)
		if a.EvidenceReceivedAt != nil {
			decisionBasis = *a.EvidenceReceivedAt
		}
		return now.After(decisionBasis.Add(j.verificationTimeout))
	}
	return false
}
