package issuance

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-wallet-core/internal/domain"
)

// PollTask is a running deferred credential poll. It completes when the
// credential is issued, the transaction is rejected or expires, or the task
// is cancelled.
type PollTask struct {
	done     chan struct{}
	cancelCh chan struct{}
	once     sync.Once

	mu        sync.Mutex
	cancelled bool
	outcome   *IssuanceOutcome
	err       error
}

func newPollTask() *PollTask {
	return &PollTask{done: make(chan struct{}), cancelCh: make(chan struct{})}
}

// Cancel stops polling. A poll in flight completes but its result is discarded.
func (t *PollTask) Cancel() {
	t.once.Do(func() {
		t.mu.Lock()
		t.cancelled = true
		t.mu.Unlock()
		close(t.cancelCh)
	})
}

// Done is closed when the task has finished
func (t *PollTask) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task finishes or ctx is done.
func (t *PollTask) Wait(ctx context.Context) (*IssuanceOutcome, error) {
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.outcome, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *PollTask) isCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

func (t *PollTask) finish(outcome *IssuanceOutcome, err error) {
	t.mu.Lock()
	t.outcome, t.err = outcome, err
	t.mu.Unlock()
	close(t.done)
}

type pollResult int

const (
	pollPending pollResult = iota
	pollRetry
	pollDone
)

// StartDeferredPolling polls the deferred credential endpoint for a session in
// DEFERRED until the credential arrives, the transaction is rejected, the
// deferred lifetime runs out or the task is cancelled.
func (e *Engine) StartDeferredPolling(ctx context.Context, s *domain.IssuanceSession) *PollTask {
	t := newPollTask()

	unlock := e.locks.Lock(s.State)
	status, deferredAt := s.Status, s.DeferredAt
	unlock()

	if status != domain.StatusDeferred {
		t.finish(nil, fmt.Errorf("%w: cannot poll in %s", domain.ErrInvalidTransition, status))
		return t
	}

	go e.pollLoop(ctx, s, t, deferredAt.Add(e.cfg.DeferredMaxLifetime))
	return t
}

func (e *Engine) pollLoop(ctx context.Context, s *domain.IssuanceSession, t *PollTask, deadline time.Time) {
	interval := e.cfg.DeferredPollInterval
	var md *Metadata

	for {
		wait := interval
		if remaining := deadline.Sub(e.clock.Now()); remaining < wait {
			wait = remaining
		}
		if wait < 0 {
			wait = 0
		}

		timer := e.clock.Timer(wait)
		select {
		case <-t.cancelCh:
			timer.Stop()
			t.finish(nil, context.Canceled)
			return
		case <-ctx.Done():
			timer.Stop()
			t.finish(nil, ctx.Err())
			return
		case <-timer.C:
		}

		result, outcome, next, err := e.pollOnce(ctx, s, t, deadline, &md)
		switch result {
		case pollDone:
			t.finish(outcome, err)
			return
		case pollPending:
			if next > 0 {
				interval = next
			}
		}
	}
}

// pollOnce performs one deferred request on a copy of the session and
// applies the result unless the task was cancelled meanwhile.
func (e *Engine) pollOnce(ctx context.Context, s *domain.IssuanceSession, t *PollTask, deadline time.Time, md **Metadata) (pollResult, *IssuanceOutcome, time.Duration, error) {
	unlock := e.locks.Lock(s.State)
	defer unlock()

	if t.isCancelled() {
		return pollDone, nil, 0, context.Canceled
	}
	if s.Status != domain.StatusDeferred {
		return pollDone, nil, 0, fmt.Errorf("%w: session left DEFERRED (%s)", domain.ErrInvalidTransition, s.Status)
	}
	if !e.clock.Now().Before(deadline) {
		e.metrics.IncrementDeferredPoll("expired")
		return pollDone, nil, 0, e.fail(s, fmt.Errorf("%w: transaction %s", domain.ErrDeferredTransactionExpired, s.TransactionID))
	}

	if *md == nil {
		m, err := e.metadata.Metadata(ctx, s.Issuer)
		if err != nil {
			return e.pollError(s, err)
		}
		if m.Issuer.DeferredCredentialEndpoint == "" {
			return pollDone, nil, 0, e.fail(s, fmt.Errorf("%w: issuer has no deferred_credential_endpoint", domain.ErrConfiguration))
		}
		*md = m
	}

	work := *s
	if _, err := e.tokens.GetOrRefreshToken(ctx, &work); err != nil {
		if !t.isCancelled() {
			*s = work
		}
		return e.pollError(s, err)
	}
	res, err := e.send(ctx, &work, (*md).Issuer.DeferredCredentialEndpoint, map[string]interface{}{
		"transaction_id": work.TransactionID,
	})
	if t.isCancelled() {
		return pollDone, nil, 0, context.Canceled
	}
	*s = work
	if err != nil {
		return e.pollError(s, err)
	}

	if deferredPending(res) {
		e.metrics.IncrementDeferredPoll("pending")
		e.logger.Debug("Deferred credential pending", zap.String("state", s.State))
		return pollPending, nil, serverInterval(res.body), nil
	}

	if res.status != http.StatusOK {
		e.metrics.IncrementDeferredPoll("rejected")
		return pollDone, nil, 0, e.fail(s, fmt.Errorf("%w: %w", domain.ErrCredentialRejected, res.oauthError()))
	}

	conf := (*md).Issuer.CredentialConfigurationsSupported[s.CredentialConfigurationID]
	items := e.credentialItems(ctx, conf, res.body)
	if !hasCredential(items) {
		e.metrics.IncrementDeferredPoll("rejected")
		return pollDone, nil, 0, e.fail(s, fmt.Errorf("%w: deferred response carries no credential", domain.ErrCredentialRejected))
	}
	if err := s.Transition(domain.StatusIssued); err != nil {
		return pollDone, nil, 0, err
	}

	e.metrics.IncrementDeferredPoll("issued")
	e.metrics.IncrementIssuance("issued")
	e.logger.Info("Deferred credential issued", zap.String("state", s.State), zap.Int("items", len(items)))
	return pollDone, &IssuanceOutcome{
		Status:         domain.StatusIssued,
		Items:          items,
		TransactionID:  s.TransactionID,
		NotificationID: gjson.GetBytes(res.body, "notification_id").String(),
	}, 0, nil
}

// pollError keeps polling through transient failures and fails the session otherwise.
func (e *Engine) pollError(s *domain.IssuanceSession, err error) (pollResult, *IssuanceOutcome, time.Duration, error) {
	if retryable(err) {
		e.metrics.IncrementDeferredPoll("network")
		e.logger.Debug("Deferred poll failed, will retry", zap.String("state", s.State), zap.Error(err))
		return pollRetry, nil, 0, nil
	}
	e.metrics.IncrementDeferredPoll("error")
	return pollDone, nil, 0, e.fail(s, err)
}

func deferredPending(res *httpResult) bool {
	switch {
	case res.status == http.StatusAccepted:
		return true
	case res.status == http.StatusOK && gjson.GetBytes(res.body, "status").String() == "pending":
		return true
	case gjson.GetBytes(res.body, "error").String() == "issuance_pending":
		return true
	}
	return false
}
