package issuance

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-wallet-core/internal/domain"
)

func deferredSession() *domain.IssuanceSession {
	s := obtainedSession("pid")
	s.Status = domain.StatusDeferred
	s.TransactionID = "tx-1"
	s.DeferredAt = time.Now()
	return s
}

func waitTask(t *testing.T, task *PollTask) (*IssuanceOutcome, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	outcome, err := task.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return outcome, err
}

func (f *fakeIssuer) polls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deferredCalls
}

func TestDeferredPolling_PendingThenIssued(t *testing.T) {
	f := newFakeIssuer(t)
	f.deferred = func(n int) (int, interface{}) {
		if n <= 3 {
			return http.StatusOK, map[string]interface{}{"status": "pending"}
		}
		return http.StatusOK, map[string]interface{}{"status": "issued", "credential": "eyJ.deferred~"}
	}
	e := newTestEngine(t, f.metadata(0), &fakeTokens{}, &fakeProofSigner{}, WithVerifier(fakeVerifier{trusted: true}))

	s := deferredSession()
	outcome, err := waitTask(t, e.StartDeferredPolling(context.Background(), s))
	require.NoError(t, err)

	assert.Equal(t, 4, f.polls())
	assert.Equal(t, domain.StatusIssued, outcome.Status)
	assert.Equal(t, "tx-1", outcome.TransactionID)
	require.Len(t, outcome.Items, 1)
	assert.Equal(t, "eyJ.deferred~", outcome.Items[0].Credential)
	assert.True(t, outcome.Items[0].Trusted)
	assert.Equal(t, domain.StatusIssued, s.Status)
}

func TestDeferredPolling_EmptyCredentialRejected(t *testing.T) {
	f := newFakeIssuer(t)
	f.deferred = func(int) (int, interface{}) {
		return http.StatusOK, map[string]interface{}{"credential": ""}
	}
	e := newTestEngine(t, f.metadata(0), &fakeTokens{}, &fakeProofSigner{})

	s := deferredSession()
	outcome, err := waitTask(t, e.StartDeferredPolling(context.Background(), s))
	assert.ErrorIs(t, err, domain.ErrCredentialRejected)
	assert.Nil(t, outcome)
	assert.Equal(t, domain.StatusError, s.Status)
}

func TestDeferredPolling_OtherPendingForms(t *testing.T) {
	f := newFakeIssuer(t)
	f.deferred = func(n int) (int, interface{}) {
		if n == 1 {
			return http.StatusAccepted, map[string]interface{}{"transaction_id": "tx-1"}
		}
		if n == 2 {
			return http.StatusBadRequest, map[string]interface{}{"error": "issuance_pending", "interval": 0}
		}
		return http.StatusOK, issuedResponse(1)
	}
	e := newTestEngine(t, f.metadata(0), &fakeTokens{}, &fakeProofSigner{})

	outcome, err := waitTask(t, e.StartDeferredPolling(context.Background(), deferredSession()))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusIssued, outcome.Status)
	assert.Equal(t, 3, f.polls())
}

func TestDeferredPolling_Expires(t *testing.T) {
	f := newFakeIssuer(t)
	f.deferred = func(int) (int, interface{}) {
		return http.StatusAccepted, map[string]interface{}{}
	}
	e := newTestEngine(t, f.metadata(0), &fakeTokens{}, &fakeProofSigner{})
	e.cfg.DeferredMaxLifetime = 80 * time.Millisecond

	s := deferredSession()
	_, err := waitTask(t, e.StartDeferredPolling(context.Background(), s))
	assert.ErrorIs(t, err, domain.ErrDeferredTransactionExpired)
	assert.Equal(t, domain.StatusError, s.Status)
	assert.Greater(t, f.polls(), 0)
}

func TestDeferredPolling_ServerInterval(t *testing.T) {
	f := newFakeIssuer(t)
	f.deferred = func(int) (int, interface{}) {
		return http.StatusAccepted, map[string]interface{}{"interval": 30}
	}
	e := newTestEngine(t, f.metadata(0), &fakeTokens{}, &fakeProofSigner{})
	e.cfg.DeferredMaxLifetime = 150 * time.Millisecond

	_, err := waitTask(t, e.StartDeferredPolling(context.Background(), deferredSession()))
	assert.ErrorIs(t, err, domain.ErrDeferredTransactionExpired)
	assert.Equal(t, 1, f.polls())
}

func TestDeferredPolling_Cancel(t *testing.T) {
	f := newFakeIssuer(t)
	polled := make(chan struct{}, 16)
	f.deferred = func(int) (int, interface{}) {
		polled <- struct{}{}
		return http.StatusAccepted, map[string]interface{}{}
	}
	e := newTestEngine(t, f.metadata(0), &fakeTokens{}, &fakeProofSigner{})

	s := deferredSession()
	task := e.StartDeferredPolling(context.Background(), s)
	<-polled
	task.Cancel()
	task.Cancel()

	_, err := waitTask(t, task)
	assert.ErrorIs(t, err, context.Canceled)
	<-task.Done()

	after := f.polls()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, f.polls())
	assert.Equal(t, domain.StatusDeferred, s.Status)
}

func TestDeferredPolling_Rejected(t *testing.T) {
	f := newFakeIssuer(t)
	f.deferred = func(int) (int, interface{}) {
		return http.StatusBadRequest, map[string]interface{}{"error": "invalid_transaction_id"}
	}
	e := newTestEngine(t, f.metadata(0), &fakeTokens{}, &fakeProofSigner{})

	s := deferredSession()
	_, err := waitTask(t, e.StartDeferredPolling(context.Background(), s))
	assert.ErrorIs(t, err, domain.ErrCredentialRejected)
	assert.Equal(t, domain.StatusError, s.Status)
}

func TestDeferredPolling_NetworkErrorsKeepPolling(t *testing.T) {
	f := newFakeIssuer(t)
	f.deferred = func(int) (int, interface{}) {
		return http.StatusOK, issuedResponse(1)
	}
	tm := &fakeTokens{err: domain.ErrNetwork}
	e := newTestEngine(t, f.metadata(0), tm, &fakeProofSigner{})

	s := deferredSession()
	task := e.StartDeferredPolling(context.Background(), s)
	assert.Eventually(t, func() bool {
		tm.mu.Lock()
		defer tm.mu.Unlock()
		return tm.calls >= 2
	}, time.Second, 5*time.Millisecond)
	tm.setErr(nil)

	outcome, err := waitTask(t, task)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusIssued, outcome.Status)
}

func TestDeferredPolling_RequiresDeferredSession(t *testing.T) {
	f := newFakeIssuer(t)
	e := newTestEngine(t, f.metadata(0), &fakeTokens{}, &fakeProofSigner{})

	task := e.StartDeferredPolling(context.Background(), obtainedSession("pid"))
	_, err := waitTask(t, task)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestDeferredPolling_ContextCancel(t *testing.T) {
	f := newFakeIssuer(t)
	f.deferred = func(int) (int, interface{}) {
		return http.StatusAccepted, map[string]interface{}{}
	}
	e := newTestEngine(t, f.metadata(0), &fakeTokens{}, &fakeProofSigner{})

	ctx, cancel := context.WithCancel(context.Background())
	task := e.StartDeferredPolling(ctx, deferredSession())
	cancel()

	_, err := waitTask(t, task)
	assert.ErrorIs(t, err, context.Canceled)
}
