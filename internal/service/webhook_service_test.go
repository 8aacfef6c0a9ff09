package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"clubledger/internal/apperr"
	"clubledger/internal/infrastructure/dedupe"
	"clubledger/internal/infrastructure/payment"
	"clubledger/internal/logging"
	"clubledger/internal/model"
	"clubledger/internal/observability"
	"clubledger/internal/repository"
	"clubledger/internal/testutil"
)

func newWebhooks(db *gorm.DB, guard EventGuard) *WebhookService {
	return NewWebhookService(db, testConfig(), payment.NewWebhookVerifier(testWebhookSecret), guard, logging.Discard(), observability.NewMetrics())
}

func newGuard(t *testing.T) *dedupe.EventGuard {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return dedupe.NewEventGuard(client, time.Hour)
}

// openTopUp creates a checkout session through the gateway service and returns
// the metadata sent to the processor.
func openTopUp(t *testing.T, db *gorm.DB, sessionID, amount string) map[string]string {
	t.Helper()
	gw := &mockGateway{}
	var meta map[string]string
	gw.On("CreateCheckoutSession", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { meta = args.Get(1).(*payment.CheckoutRequest).Metadata }).
		Return(&payment.CheckoutSession{ID: sessionID, URL: "https://checkout/" + sessionID}, nil).
		Once()

	_, err := newPayments(db, gw).CreateTopUpSession(context.Background(), &TopUpRequest{
		Amount: dec(amount), UserID: "alice", ClubID: testClub,
	})
	require.NoError(t, err)
	return meta
}

func completed(t *testing.T, eventID, sessionID string, amountMinor int64, meta map[string]string) ([]byte, string) {
	return testutil.StripeEvent(t, testWebhookSecret, eventID, "checkout.session.completed",
		testutil.CheckoutSessionObject(sessionID, amountMinor, meta))
}

func TestTopUpScenario(t *testing.T) {
	db := testutil.NewDB(t)
	balances := NewBalanceService(db)
	hooks := newWebhooks(db, nil)
	ctx := context.Background()

	meta := openTopUp(t, db, "cs_test_topup", "100.00")

	b, err := balances.Balances(ctx, alice, "alice", time.Now())
	require.NoError(t, err)
	assert.True(t, b.ValidatedBalance.IsZero())
	assert.True(t, dec("100").Equal(b.TotalBalance))

	body, sig := completed(t, "evt_1", "cs_test_topup", 10000, meta)
	outcome, err := hooks.HandleWebhook(ctx, body, sig)
	require.NoError(t, err)
	assert.Equal(t, observability.OutcomeReconciled, outcome)

	b, err = balances.Balances(ctx, alice, "alice", time.Now())
	require.NoError(t, err)
	assert.True(t, dec("100").Equal(b.ValidatedBalance))
	assert.True(t, dec("100").Equal(b.TotalBalance))
	assert.True(t, b.UnvalidatedAmount.IsZero())

	session, err := repository.NewSessionRepository(db).GetByID(ctx, nil, "cs_test_topup")
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusReconciled, session.Status)
	assert.NotNil(t, session.ReconciledAt)

	// redelivery, with and without a new event id, changes nothing
	for _, id := range []string{"evt_1", "evt_1_retry"} {
		body, sig := completed(t, id, "cs_test_topup", 10000, meta)
		outcome, err := hooks.HandleWebhook(ctx, body, sig)
		require.NoError(t, err)
		assert.Equal(t, observability.OutcomeDuplicate, outcome)
	}

	b, err = balances.Balances(ctx, alice, "alice", time.Now())
	require.NoError(t, err)
	assert.True(t, dec("100").Equal(b.ValidatedBalance))

	var validatedEvents int
	for _, msg := range outboxEvents(t, db) {
		var evt model.LedgerEvent
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &evt))
		if evt.Event == model.EventEntryValidated {
			validatedEvents++
		}
	}
	assert.Equal(t, 1, validatedEvents)
}

func TestWebhookRejectsInvalidSignature(t *testing.T) {
	db := testutil.NewDB(t)
	hooks := newWebhooks(db, nil)

	body, _ := completed(t, "evt_1", "cs_x", 100, nil)
	outcome, err := hooks.HandleWebhook(context.Background(), body, "t=1,v1=forged")
	assert.ErrorIs(t, err, apperr.ErrSignatureVerification)
	assert.Equal(t, observability.OutcomeInvalidSig, outcome)
}

func TestWebhookIgnoresOtherEvents(t *testing.T) {
	db := testutil.NewDB(t)
	hooks := newWebhooks(db, nil)

	body, sig := testutil.StripeEvent(t, testWebhookSecret, "evt_9", "checkout.session.expired",
		testutil.CheckoutSessionObject("cs_x", 100, nil))
	outcome, err := hooks.HandleWebhook(context.Background(), body, sig)
	require.NoError(t, err)
	assert.Equal(t, observability.OutcomeIgnored, outcome)
}

func TestWebhookRecreatesSweptEntry(t *testing.T) {
	db := testutil.NewDB(t)
	hooks := newWebhooks(db, nil)
	entries := repository.NewEntryRepository(db)
	ctx := context.Background()

	meta := openTopUp(t, db, "cs_test_late", "40.00")
	entryID := meta[payment.MetaAccountEntryID]
	deleted, err := entries.DeleteIfUnvalidated(ctx, nil, entryID)
	require.NoError(t, err)
	require.True(t, deleted)

	body, sig := completed(t, "evt_late", "cs_test_late", 4000, meta)
	outcome, err := hooks.HandleWebhook(ctx, body, sig)
	require.NoError(t, err)
	assert.Equal(t, observability.OutcomeReconciled, outcome)

	entry, err := entries.GetByExternalRef(ctx, nil, "cs_test_late")
	require.NoError(t, err)
	assert.Equal(t, entryID, entry.ID)
	assert.True(t, entry.IsValidated)
	assert.True(t, dec("40").Equal(entry.Amount))
	assert.Equal(t, "alice", entry.AssignedToID)

	body, sig = completed(t, "evt_late_2", "cs_test_late", 4000, meta)
	outcome, err = hooks.HandleWebhook(ctx, body, sig)
	require.NoError(t, err)
	assert.Equal(t, observability.OutcomeDuplicate, outcome)
}

func TestWebhookWithoutUsableMetadataIsAcknowledged(t *testing.T) {
	db := testutil.NewDB(t)
	hooks := newWebhooks(db, nil)

	body, sig := completed(t, "evt_orphan", "cs_unknown", 1500, map[string]string{"userId": "alice"})
	outcome, err := hooks.HandleWebhook(context.Background(), body, sig)
	require.NoError(t, err)
	assert.Equal(t, observability.OutcomePermanentErr, outcome)

	var count int64
	require.NoError(t, db.Model(&model.AccountEntry{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestWebhookUnpaidSessionIsIgnored(t *testing.T) {
	db := testutil.NewDB(t)
	hooks := newWebhooks(db, nil)
	ctx := context.Background()

	meta := openTopUp(t, db, "cs_test_unpaid", "10.00")
	obj := testutil.CheckoutSessionObject("cs_test_unpaid", 1000, meta)
	obj["payment_status"] = "unpaid"
	body, sig := testutil.StripeEvent(t, testWebhookSecret, "evt_unpaid", "checkout.session.completed", obj)

	outcome, err := hooks.HandleWebhook(ctx, body, sig)
	require.NoError(t, err)
	assert.Equal(t, observability.OutcomeIgnored, outcome)

	entry, err := repository.NewEntryRepository(db).GetByID(ctx, nil, meta[payment.MetaAccountEntryID])
	require.NoError(t, err)
	assert.False(t, entry.IsValidated)
}

func TestWebhookGuardShortCircuitsRedelivery(t *testing.T) {
	db := testutil.NewDB(t)
	hooks := newWebhooks(db, newGuard(t))
	ctx := context.Background()

	meta := openTopUp(t, db, "cs_test_guard", "15.00")
	body, sig := completed(t, "evt_guard", "cs_test_guard", 1500, meta)

	outcome, err := hooks.HandleWebhook(ctx, body, sig)
	require.NoError(t, err)
	assert.Equal(t, observability.OutcomeReconciled, outcome)

	outcome, err = hooks.HandleWebhook(ctx, body, sig)
	require.NoError(t, err)
	assert.Equal(t, observability.OutcomeDuplicate, outcome)
}

func TestWebhookTransientFailureReleasesGuard(t *testing.T) {
	db := testutil.NewDB(t)
	guard := newGuard(t)
	hooks := newWebhooks(db, guard)
	ctx := context.Background()

	meta := openTopUp(t, db, "cs_test_flaky", "15.00")
	body, sig := completed(t, "evt_flaky", "cs_test_flaky", 1500, meta)

	// a second pool on the same database, closed to simulate a lost connection
	brokenDB := testutil.NewDB(t)
	sqlDB, err := brokenDB.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	outcome, err := newWebhooks(brokenDB, guard).HandleWebhook(ctx, body, sig)
	require.Error(t, err)
	assert.NotErrorIs(t, err, apperr.ErrSignatureVerification)
	assert.Equal(t, observability.OutcomeTransientErr, outcome)

	// the guard was released, so the redelivery is processed
	outcome, err = hooks.HandleWebhook(ctx, body, sig)
	require.NoError(t, err)
	assert.Equal(t, observability.OutcomeReconciled, outcome)
}

func TestPaymentLinkedEntryIsCreditedAtPaidAmount(t *testing.T) {
	db := testutil.NewDB(t)
	ledger := newLedger(db)
	hooks := newWebhooks(db, nil)
	ctx := context.Background()

	meta := openTopUp(t, db, "cs_test_fixed", "50.00")
	entryID := meta[payment.MetaAccountEntryID]

	_, err := ledger.Update(ctx, alice, entryID, &PatchEntryRequest{Amount: decPtr("999.00")})
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	assert.ErrorIs(t, ledger.Delete(ctx, alice, entryID), apperr.ErrForbidden)

	// a manager may still correct the pending amount; the payment decides the credit
	_, err = ledger.Update(ctx, treasurer, entryID, &PatchEntryRequest{Amount: decPtr("999.00")})
	require.NoError(t, err)

	body, sig := completed(t, "evt_fixed", "cs_test_fixed", 5000, meta)
	outcome, err := hooks.HandleWebhook(ctx, body, sig)
	require.NoError(t, err)
	assert.Equal(t, observability.OutcomeReconciled, outcome)

	b, err := NewBalanceService(db).Balances(ctx, alice, "alice", time.Now())
	require.NoError(t, err)
	assert.True(t, dec("50").Equal(b.ValidatedBalance), b.ValidatedBalance.String())
	assert.True(t, dec("50").Equal(b.TotalBalance), b.TotalBalance.String())
}

func TestReusedEntryIsSettledByOnePayment(t *testing.T) {
	db := testutil.NewDB(t)
	gw := &mockGateway{}
	payments := newPayments(db, gw)
	ledger := newLedger(db)
	hooks := newWebhooks(db, nil)
	sessions := repository.NewSessionRepository(db)
	ctx := context.Background()

	refund, err := ledger.Create(ctx, alice, &CreateEntryRequest{
		Date: time.Now().Format("2006-01-02"), Amount: dec("40.00"), Description: "fuel",
	})
	require.NoError(t, err)

	metas := map[string]map[string]string{}
	expectSession := func(id string) {
		gw.On("CreateCheckoutSession", mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) { metas[id] = args.Get(1).(*payment.CheckoutRequest).Metadata }).
			Return(&payment.CheckoutSession{ID: id, URL: "https://checkout/" + id}, nil).
			Once()
	}
	req := &TopUpRequest{Amount: dec("40.00"), UserID: "alice", AccountEntryID: refund.ID}

	expectSession("cs_a")
	_, err = payments.CreateTopUpSession(ctx, req)
	require.NoError(t, err)

	// no second checkout while the first one is open
	_, err = payments.CreateTopUpSession(ctx, req)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	gw.AssertNumberOfCalls(t, "CreateCheckoutSession", 1)

	// expiry hands the entry back to the member
	sessionA, err := sessions.GetByID(ctx, nil, "cs_a")
	require.NoError(t, err)
	expired, err := payments.ExpireSession(ctx, sessionA)
	require.NoError(t, err)
	require.True(t, expired)
	_, err = ledger.Update(ctx, alice, refund.ID, &PatchEntryRequest{Description: strPtr("fuel, LFPN")})
	require.NoError(t, err)

	expectSession("cs_b")
	_, err = payments.CreateTopUpSession(ctx, req)
	require.NoError(t, err)

	// the abandoned checkout is paid late, then the new one is paid as well
	body, sig := completed(t, "evt_a", "cs_a", 4000, metas["cs_a"])
	outcome, err := hooks.HandleWebhook(ctx, body, sig)
	require.NoError(t, err)
	assert.Equal(t, observability.OutcomeReconciled, outcome)

	body, sig = completed(t, "evt_b", "cs_b", 4000, metas["cs_b"])
	outcome, err = hooks.HandleWebhook(ctx, body, sig)
	require.NoError(t, err)
	assert.Equal(t, observability.OutcomeUnmatchedPayment, outcome)

	b, err := NewBalanceService(db).Balances(ctx, alice, "alice", time.Now())
	require.NoError(t, err)
	assert.True(t, dec("40").Equal(b.ValidatedBalance), b.ValidatedBalance.String())

	sessionB, err := sessions.GetByID(ctx, nil, "cs_b")
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusNotified, sessionB.Status)
	settled, err := payments.SettleNotified(ctx, sessionB)
	require.NoError(t, err)
	assert.False(t, settled, "an unmatched payment stays open for review")
}

func TestWebhookRecoversSessionExpiredConcurrently(t *testing.T) {
	db := testutil.NewDB(t)
	hooks := newWebhooks(db, nil)
	sessions := repository.NewSessionRepository(db)
	ctx := context.Background()

	meta := openTopUp(t, db, "cs_test_race", "25.00")
	stale, err := sessions.GetByID(ctx, nil, "cs_test_race")
	require.NoError(t, err)

	// the sweep expires the session after the webhook read it as CREATED
	expired, err := newPayments(db, &mockGateway{}).ExpireSession(ctx, stale)
	require.NoError(t, err)
	require.True(t, expired)
	require.Equal(t, model.SessionStatusCreated, stale.Status)

	require.NoError(t, hooks.markNotified(ctx, stale, "evt_race"))
	got, err := sessions.GetByID(ctx, nil, "cs_test_race")
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusNotified, got.Status)

	body, sig := completed(t, "evt_race", "cs_test_race", 2500, meta)
	outcome, err := hooks.HandleWebhook(ctx, body, sig)
	require.NoError(t, err)
	assert.Equal(t, observability.OutcomeReconciled, outcome)

	got, err = sessions.GetByID(ctx, nil, "cs_test_race")
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusReconciled, got.Status)
}
