package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clubledger/internal/infrastructure/database"
	"clubledger/internal/model"
	"clubledger/internal/repository"
	"clubledger/internal/testutil"
)

const club = "club-1"

func strPtr(s string) *string { return &s }

func newEntry(assignee, amount string, date time.Time, validated bool) *model.AccountEntry {
	return &model.AccountEntry{
		ID:            uuid.NewString(),
		ClubID:        club,
		UserID:        assignee,
		AssignedToID:  assignee,
		Date:          model.ValueDate(date),
		Amount:        decimal.RequireFromString(amount),
		PaymentMethod: model.PaymentMethodAccount,
		EntryTypeID:   database.SystemEntryTypeID(model.EntryTypeCorrectionCredit),
		IsValidated:   validated,
	}
}

func TestEntryTypeRepositoryGuardsSystemTypes(t *testing.T) {
	db := testutil.NewDB(t)
	repo := repository.NewEntryTypeRepository(db)
	ctx := context.Background()

	systemID := database.SystemEntryTypeID(model.EntryTypeFlight)

	err := repo.Update(ctx, nil, systemID, map[string]interface{}{"name": "Hijacked"})
	assert.ErrorIs(t, err, repository.ErrSystemEntryType)

	err = repo.Delete(ctx, nil, systemID)
	assert.ErrorIs(t, err, repository.ErrSystemEntryType)

	et, err := repo.GetByID(ctx, nil, systemID)
	require.NoError(t, err)
	assert.Equal(t, "Flight", et.Name)

	assert.ErrorIs(t, repo.Delete(ctx, nil, uuid.NewString()), repository.ErrNotFound)
}

func TestEntryTypeRepositoryClubTypes(t *testing.T) {
	db := testutil.NewDB(t)
	repo := repository.NewEntryTypeRepository(db)
	ctx := context.Background()

	hangar := &model.EntryType{ID: uuid.NewString(), ClubID: strPtr(club), Code: "HANGAR", Name: "Hangar rent"}
	require.NoError(t, repo.Create(ctx, nil, hangar))

	dup := &model.EntryType{ID: uuid.NewString(), ClubID: strPtr(club), Code: "HANGAR", Name: "Again"}
	assert.ErrorIs(t, repo.Create(ctx, nil, dup), repository.ErrDuplicate)

	taken, err := repo.CodeTaken(ctx, nil, club, "FLIGHT", "")
	require.NoError(t, err)
	assert.True(t, taken, "system codes are reserved for every club")

	taken, err = repo.CodeTaken(ctx, nil, club, "HANGAR", hangar.ID)
	require.NoError(t, err)
	assert.False(t, taken)

	taken, err = repo.CodeTaken(ctx, nil, "club-2", "HANGAR", "")
	require.NoError(t, err)
	assert.False(t, taken)

	types, err := repo.ListForClub(ctx, club)
	require.NoError(t, err)
	assert.Len(t, types, len(model.SystemEntryTypes)+1)
	for i := 1; i < len(types); i++ {
		assert.LessOrEqual(t, types[i-1].Name, types[i].Name)
	}

	other, err := repo.ListForClub(ctx, "club-2")
	require.NoError(t, err)
	assert.Len(t, other, len(model.SystemEntryTypes))

	require.NoError(t, repo.Update(ctx, nil, hangar.ID, map[string]interface{}{"name": "Hangar"}))
	got, err := repo.GetByCode(ctx, nil, club, "HANGAR")
	require.NoError(t, err)
	assert.Equal(t, "Hangar", got.Name)

	require.NoError(t, repo.Delete(ctx, nil, hangar.ID))
	_, err = repo.GetByID(ctx, nil, hangar.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestEntryRepositoryMarkPaidIsIdempotent(t *testing.T) {
	db := testutil.NewDB(t)
	repo := repository.NewEntryRepository(db)
	ctx := context.Background()

	e := newEntry("u1", "50.00", time.Now(), false)
	require.NoError(t, repo.Create(ctx, nil, e))

	changed, err := repo.MarkPaid(ctx, nil, e.ID, decimal.RequireFromString("45.00"), "cs_test_1")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = repo.MarkPaid(ctx, nil, e.ID, decimal.RequireFromString("90.00"), "cs_test_2")
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = repo.MarkPaid(ctx, nil, uuid.NewString(), decimal.RequireFromString("1.00"), "cs_test_3")
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := repo.GetByID(ctx, nil, e.ID)
	require.NoError(t, err)
	assert.True(t, got.IsValidated)
	assert.True(t, decimal.RequireFromString("45").Equal(got.Amount))
	require.NotNil(t, got.ExternalRef)
	assert.Equal(t, "cs_test_1", *got.ExternalRef)
	require.NotNil(t, got.EntryType)
	assert.Equal(t, model.EntryTypeCorrectionCredit, got.EntryType.Code)
}

func TestEntryRepositoryUniqueFlightAndExternalRef(t *testing.T) {
	db := testutil.NewDB(t)
	repo := repository.NewEntryRepository(db)
	ctx := context.Background()

	a := newEntry("u1", "-10.00", time.Now(), true)
	a.FlightID = strPtr("flight-1")
	require.NoError(t, repo.Create(ctx, nil, a))

	b := newEntry("u1", "-10.00", time.Now(), true)
	b.FlightID = strPtr("flight-1")
	assert.ErrorIs(t, repo.Create(ctx, nil, b), repository.ErrDuplicate)

	c := newEntry("u1", "10.00", time.Now(), false)
	c.ExternalRef = strPtr("cs_test_1")
	require.NoError(t, repo.Create(ctx, nil, c))

	got, err := repo.GetByExternalRef(ctx, nil, "cs_test_1")
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)

	got, err = repo.GetByFlightID(ctx, nil, "flight-1")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	// entries without a flight do not collide on NULL
	require.NoError(t, repo.Create(ctx, nil, newEntry("u1", "1.00", time.Now(), false)))
	require.NoError(t, repo.Create(ctx, nil, newEntry("u1", "2.00", time.Now(), false)))
}

func TestEntryRepositoryBalanceRows(t *testing.T) {
	db := testutil.NewDB(t)
	repo := repository.NewEntryRepository(db)
	ctx := context.Background()

	day := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Create(ctx, nil, newEntry("u1", "100.00", day.AddDate(0, 0, -2), true)))
	require.NoError(t, repo.Create(ctx, nil, newEntry("u1", "-30.50", day, true)))
	require.NoError(t, repo.Create(ctx, nil, newEntry("u1", "20.00", day, false)))
	require.NoError(t, repo.Create(ctx, nil, newEntry("u1", "999.00", day.AddDate(0, 0, 1), true)))
	require.NoError(t, repo.Create(ctx, nil, newEntry("u2", "5.00", day, true)))
	other := newEntry("u1", "70.00", day, true)
	other.ClubID = "club-2"
	require.NoError(t, repo.Create(ctx, nil, other))

	rows, err := repo.BalanceRows(ctx, club, "u1", day.Add(15*time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 3)

	sum := decimal.Zero
	for _, r := range rows {
		sum = sum.Add(r.Amount)
	}
	assert.True(t, decimal.RequireFromString("89.50").Equal(sum), sum.String())
}

func TestEntryRepositoryList(t *testing.T) {
	db := testutil.NewDB(t)
	repo := repository.NewEntryRepository(db)
	ctx := context.Background()

	day := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Create(ctx, nil, newEntry("u1", "1.00", day.AddDate(0, 0, i), i%2 == 0)))
	}
	other := newEntry("u2", "1.00", day, true)
	other.UserID = "u1"
	require.NoError(t, repo.Create(ctx, nil, other))

	validated := true
	entries, total, err := repo.List(ctx, repository.EntryFilter{ClubID: club, Validated: &validated, AssignedToID: "u1"})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	assert.Len(t, entries, 3)

	from := day.AddDate(0, 0, 1)
	to := day.AddDate(0, 0, 3)
	entries, total, err = repo.List(ctx, repository.EntryFilter{ClubID: club, From: &from, To: &to, Page: 1, PageSize: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].Date.After(entries[1].Date))

	mine, err := repo.ListForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, mine, 6)

	theirs, err := repo.ListForUser(ctx, "u2")
	require.NoError(t, err)
	assert.Len(t, theirs, 1)
}

func TestEntryRepositoryDeleteIfUnvalidated(t *testing.T) {
	db := testutil.NewDB(t)
	repo := repository.NewEntryRepository(db)
	ctx := context.Background()

	pending := newEntry("u1", "10.00", time.Now(), false)
	done := newEntry("u1", "10.00", time.Now(), true)
	require.NoError(t, repo.Create(ctx, nil, pending))
	require.NoError(t, repo.Create(ctx, nil, done))

	deleted, err := repo.DeleteIfUnvalidated(ctx, nil, pending.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = repo.DeleteIfUnvalidated(ctx, nil, done.ID)
	require.NoError(t, err)
	assert.False(t, deleted)

	assert.ErrorIs(t, repo.Delete(ctx, nil, pending.ID), repository.ErrNotFound)
}

func TestSessionRepositoryUpdateStatus(t *testing.T) {
	db := testutil.NewDB(t)
	repo := repository.NewSessionRepository(db)
	ctx := context.Background()

	s := &model.PaymentSession{
		ID:             "cs_test_abc",
		ReferenceNo:    "TOP1",
		ClubID:         club,
		UserID:         "u1",
		EntryTypeID:    database.SystemEntryTypeID(model.EntryTypeAccountFunding),
		AccountEntryID: uuid.NewString(),
		Amount:         decimal.RequireFromString("25.00"),
		Currency:       "eur",
		Status:         model.SessionStatusCreated,
		ExpiresAt:      time.Now().UTC().Add(-2 * time.Hour),
	}
	require.NoError(t, repo.Create(ctx, nil, s))

	open, err := repo.HasOpenForEntry(ctx, nil, s.AccountEntryID)
	require.NoError(t, err)
	assert.True(t, open)

	expired, err := repo.GetExpired(ctx, time.Now().UTC().Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)

	assert.ErrorIs(t,
		repo.UpdateStatus(ctx, nil, s.ID, model.SessionStatusCreated, model.SessionStatusReconciled, ""),
		repository.ErrStatusConflict)

	require.NoError(t, repo.UpdateStatus(ctx, nil, s.ID, model.SessionStatusCreated, model.SessionStatusNotified, "evt_1"))
	// the loser of a race sees a conflict
	assert.ErrorIs(t,
		repo.UpdateStatus(ctx, nil, s.ID, model.SessionStatusCreated, model.SessionStatusNotified, "evt_2"),
		repository.ErrStatusConflict)

	got, err := repo.GetByID(ctx, nil, s.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusNotified, got.Status)
	require.NotNil(t, got.NotifiedAt)
	require.NotNil(t, got.LastEventID)
	assert.Equal(t, "evt_1", *got.LastEventID)

	stale, err := repo.GetStaleNotified(ctx, time.Now().UTC().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, stale, 1)

	open, err = repo.HasOpenForEntry(ctx, nil, s.AccountEntryID)
	require.NoError(t, err)
	assert.True(t, open, "NOTIFIED still settles the entry")

	require.NoError(t, repo.UpdateStatus(ctx, nil, s.ID, model.SessionStatusNotified, model.SessionStatusReconciled, ""))
	open, err = repo.HasOpenForEntry(ctx, nil, s.AccountEntryID)
	require.NoError(t, err)
	assert.False(t, open)

	_, err = repo.GetByID(ctx, nil, "cs_missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestOutboxRepository(t *testing.T) {
	db := testutil.NewDB(t)
	repo := repository.NewOutboxRepository(db)
	ctx := context.Background()

	msg := &model.OutboxMessage{MessageKey: "EVT1", Topic: "ledger.events", Payload: "{}", Status: model.OutboxStatusPending}
	require.NoError(t, repo.Create(ctx, nil, msg))

	pending, err := repo.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, repo.IncrementRetryCount(ctx, msg.ID))
	require.NoError(t, repo.MarkAsSent(ctx, msg.ID))

	pending, err = repo.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
