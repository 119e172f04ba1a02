package remote_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/shared-ledger/api"
	"github.com/warp/shared-ledger/ledger"
	"github.com/warp/shared-ledger/ledger/store"
	"github.com/warp/shared-ledger/ledger/storetest"
	"github.com/warp/shared-ledger/reconcile"
	"github.com/warp/shared-ledger/remote"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var classifier = ledger.MustClassifier(ledger.DefaultPair, ledger.DefaultMarker)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newServer(t *testing.T, wrap func(http.Handler) http.Handler) *httptest.Server {
	mem := store.NewMemory()
	h := api.NewHandler(mem, classifier, "")
	h.Logger = quietLogger()

	var handler http.Handler = api.NewRouter(h)
	if wrap != nil {
		handler = wrap(handler)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		mem.Close()
	})
	return srv
}

func newClient(t *testing.T, url string) *remote.Client {
	c, err := remote.New(url, classifier, remote.WithLogger(quietLogger()))
	require.NoError(t, err)
	return c
}

func newEvent(p ledger.Participant, amount string) ledger.NewEvent {
	return ledger.NewEvent{
		Amount:      decimal.RequireFromString(amount),
		Participant: p,
		Kind:        ledger.KindShared,
		Timestamp:   time.Now(),
	}
}

// =============================================================================
// STORE CONTRACT
// =============================================================================

func TestClient_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ledger.Store {
		return newClient(t, newServer(t, nil).URL)
	})
}

func TestNew_RejectsBadURL(t *testing.T) {
	_, err := remote.New("ftp://example.com", classifier)
	assert.Error(t, err)

	_, err = remote.New("://nope", classifier)
	assert.Error(t, err)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestClient_ServerValidationError(t *testing.T) {
	c := newClient(t, newServer(t, nil).URL)

	_, err := c.Insert(context.Background(), newEvent("Bob", "10"))

	assert.True(t, ledger.IsValidation(err))
	assert.ErrorIs(t, err, ledger.ErrUnknownParticipant)
}

func TestClient_ServerDown(t *testing.T) {
	srv := newServer(t, nil)
	c := newClient(t, srv.URL)
	srv.Close()

	_, err := c.List(context.Background())
	assert.ErrorIs(t, err, ledger.ErrStoreUnavailable)

	_, err = c.Subscribe(context.Background(), func(ledger.Change) {})
	assert.ErrorIs(t, err, ledger.ErrStoreUnavailable)
}

func TestClient_InternalErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := newClient(t, srv.URL).DeleteAll(context.Background())
	assert.ErrorIs(t, err, ledger.ErrStoreUnavailable)
	assert.False(t, ledger.IsValidation(err))
}

func TestClient_Balance(t *testing.T) {
	c := newClient(t, newServer(t, nil).URL)
	ctx := context.Background()

	_, err := c.Insert(ctx, newEvent("Tomi", "100"))
	require.NoError(t, err)
	_, err = c.Insert(ctx, newEvent("Damien", "40"))
	require.NoError(t, err)

	b, err := c.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Damien owes Tomi 30.00", b.Statement)
}

// =============================================================================
// CHANGE FEED
// =============================================================================

func TestClient_ReconnectDeliversReset(t *testing.T) {
	// GIVEN: A server that drops the first change feed connection
	var dials atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := newServer(t, func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/api/changes" && dials.Add(1) == 1 {
				conn, err := upgrader.Upgrade(w, r, nil)
				if err == nil {
					conn.Close()
				}
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	var mu sync.Mutex
	var ops []ledger.ChangeOp
	c := newClient(t, srv.URL)
	sub, err := c.Subscribe(context.Background(), func(ch ledger.Change) {
		mu.Lock()
		defer mu.Unlock()
		ops = append(ops, ch.Op)
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	// WHEN: The client redials
	// THEN: A reset is delivered, then live changes resume
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ops) > 0 && ops[0] == ledger.ChangeReset
	}, 5*time.Second, 20*time.Millisecond)
	assert.GreaterOrEqual(t, dials.Load(), int32(2))

	_, err = c.Insert(context.Background(), newEvent("Tomi", "1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ops[len(ops)-1] == ledger.ChangeInsert
	}, 5*time.Second, 20*time.Millisecond)
}

func TestClient_UnsubscribeStopsDelivery(t *testing.T) {
	c := newClient(t, newServer(t, nil).URL)

	var calls atomic.Int32
	sub, err := c.Subscribe(context.Background(), func(ledger.Change) { calls.Add(1) })
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())

	_, err = c.Insert(context.Background(), newEvent("Tomi", "1"))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

// =============================================================================
// END TO END
// =============================================================================

func TestTwoDevicesConverge(t *testing.T) {
	// GIVEN: Two devices sharing one server
	srv := newServer(t, nil)
	ctx := context.Background()

	tomi := reconcile.New(newClient(t, srv.URL), classifier, reconcile.WithLogger(quietLogger()))
	damien := reconcile.New(newClient(t, srv.URL), classifier, reconcile.WithLogger(quietLogger()))
	require.NoError(t, tomi.Start(ctx))
	require.NoError(t, damien.Start(ctx))
	defer tomi.Close()
	defer damien.Close()

	// WHEN: Each records an expense and Damien settles
	_, err := tomi.AddExpense(ctx, "Tomi", "100")
	require.NoError(t, err)
	_, err = damien.AddExpense(ctx, "Damien", "40")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(damien.View().Events) == 2 }, 5*time.Second, 20*time.Millisecond)
	_, err = damien.SettleUp(ctx, "30")
	require.NoError(t, err)

	// THEN: Both views show a settled ledger
	require.Eventually(t, func() bool {
		v := tomi.View()
		return len(v.Events) == 3 && v.Result.Settled()
	}, 5*time.Second, 20*time.Millisecond)
	assert.True(t, damien.View().Result.Settled())
}

func TestClient_Scenarios(t *testing.T) {
	c := newClient(t, newServer(t, nil).URL)
	ctx := context.Background()

	list, err := c.Scenarios(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, list)

	n, err := c.LoadScenario(ctx, "settled-month")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	events, err := c.List(ctx)
	require.NoError(t, err)
	assert.Len(t, events, 3)

	_, err = c.LoadScenario(ctx, "nope")
	assert.Error(t, err)
}
