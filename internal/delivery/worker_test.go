package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/compose"
	"github.com/BTreeMap/CoachPipe/internal/messaging"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/pending"
	"github.com/BTreeMap/CoachPipe/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const phone = "+33612345678"

type failingReplier struct{}

func (failingReplier) Reply(context.Context, *models.Account, *models.InboundEvent, compose.Reply) (*models.OutboundMessage, error) {
	return nil, errors.New("provider down")
}

type fixture struct {
	db      *store.Store
	sender  *messaging.LogSender
	pending *pending.Store
	worker  *Worker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	tempDir, err := os.MkdirTemp("", "coachpipe_delivery_test_")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tempDir) })
	db, err := store.Open(ctx, store.WithDSN(filepath.Join(tempDir, "test.db")))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sender := messaging.NewLogSender()
	policy, err := compose.DefaultPolicy()
	require.NoError(t, err)
	composer := compose.NewComposer(nil, db, policy, compose.NewDispatcher(sender, db), compose.Opts{})

	p := phone
	require.NoError(t, db.UpsertAccount(ctx, models.Account{
		ID: "acc-1", Email: "lea@example.com", DisplayName: "Léa", Phone: &p, PhoneVerified: true,
	}))

	ps := pending.NewStore(db, 0)
	return &fixture{
		db:      db,
		sender:  sender,
		pending: ps,
		worker:  NewWorker(db, ps, composer, Opts{PollInterval: time.Second, SweepInterval: time.Minute}),
	}
}

func (f *fixture) enqueue(t *testing.T, kind string, runAt time.Time, payload models.InvitationPayload) string {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	id, err := f.db.EnqueueDelivery(context.Background(), kind, runAt, string(raw), "")
	require.NoError(t, err)
	return id
}

func (f *fixture) delivery(t *testing.T, id string) *models.ScheduledDelivery {
	t.Helper()
	d, err := f.db.GetDelivery(context.Background(), id)
	require.NoError(t, err)
	return d
}

func (f *fixture) lastOutbound(t *testing.T) *models.OutboundMessage {
	t.Helper()
	m, err := f.db.LastOutbound(context.Background(), store.OutboundFilter{Phone: phone})
	require.NoError(t, err)
	return m
}

func past() time.Time { return time.Now().Add(-time.Minute) }

func TestCheckinDeliveryCreatesPendingAndSends(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.enqueue(t, models.DeliveryKindCheckin, past(), models.InvitationPayload{AccountID: "acc-1", Topic: "ta marche du soir"})

	res, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Sent: 1}, res)
	assert.Equal(t, models.DeliveryDone, f.delivery(t, id).Status)

	out := f.lastOutbound(t)
	require.NotNil(t, out)
	assert.Equal(t, models.PurposeCheckinInvitation, out.Purpose)
	assert.True(t, out.IsProactive)
	assert.Contains(t, out.Content, "ta marche du soir")

	p, err := f.pending.Latest(ctx, "acc-1", models.PendingScheduledCheckin)
	require.NoError(t, err)
	require.NotNil(t, p.ScheduledDeliveryID)
	assert.Equal(t, id, *p.ScheduledDeliveryID)
	assert.Equal(t, "ta marche du soir", pending.DecodePayload(p).Topic)
}

func TestBilanDeliveryMarksPayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enqueue(t, models.DeliveryKindBilan, past(), models.InvitationPayload{AccountID: "acc-1"})

	_, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.PurposeBilanInvitation, f.lastOutbound(t).Purpose)

	p, err := f.pending.Latest(ctx, "acc-1", models.PendingScheduledCheckin)
	require.NoError(t, err)
	assert.True(t, pending.DecodePayload(p).Bilan)
}

func TestSecondInvitationWhilePendingIsSkipped(t *testing.T) {
	f := newFixture(t)
	first := f.enqueue(t, models.DeliveryKindCheckin, past(), models.InvitationPayload{AccountID: "acc-1"})
	second := f.enqueue(t, models.DeliveryKindCheckin, past().Add(time.Second), models.InvitationPayload{AccountID: "acc-1"})

	res, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Sent: 1, Skipped: 1}, res)
	assert.Len(t, f.sender.Sent(), 1)
	assert.Equal(t, models.DeliveryDone, f.delivery(t, first).Status)
	assert.Equal(t, models.DeliveryDone, f.delivery(t, second).Status)
}

func TestBilanWaitsBehindOpenCheckin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enqueue(t, models.DeliveryKindCheckin, past(), models.InvitationPayload{AccountID: "acc-1"})
	_, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)

	bilan := f.enqueue(t, models.DeliveryKindBilan, past(), models.InvitationPayload{AccountID: "acc-1"})
	res, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Requeued: 1}, res)
	d := f.delivery(t, bilan)
	assert.Equal(t, models.DeliveryQueued, d.Status)
	assert.Zero(t, d.Attempt, "waiting is not a failed attempt")
	assert.WithinDuration(t, time.Now().Add(DefaultBusyDelay), d.RunAt, time.Minute)
	assert.Len(t, f.sender.Sent(), 1)

	_, err = f.pending.ResolveLatest(ctx, "acc-1", models.PendingScheduledCheckin, models.PendingStatusDone)
	require.NoError(t, err)
	f.worker.now = func() time.Time { return time.Now().Add(DefaultBusyDelay + time.Minute) }
	res, err = f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Sent: 1}, res)
	assert.Equal(t, models.DeliveryDone, f.delivery(t, bilan).Status)
	assert.Equal(t, models.PurposeBilanInvitation, f.lastOutbound(t).Purpose)
}

func TestBilanBehindCheckinGivesUpAfterMaxWait(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enqueue(t, models.DeliveryKindCheckin, past(), models.InvitationPayload{AccountID: "acc-1"})
	_, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)

	bilan := f.enqueue(t, models.DeliveryKindBilan, past(), models.InvitationPayload{AccountID: "acc-1"})
	f.worker.now = func() time.Time { return time.Now().Add(DefaultMaxBusyWait + time.Hour) }
	res, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Skipped: 1}, res)
	assert.Equal(t, models.DeliveryDone, f.delivery(t, bilan).Status)
}

func TestUnreachableAccountsAreCanceled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, f.db.SetOptedOut(ctx, "acc-1", &now))

	optedOut := f.enqueue(t, models.DeliveryKindCheckin, past(), models.InvitationPayload{AccountID: "acc-1"})
	missing := f.enqueue(t, models.DeliveryKindCheckin, past(), models.InvitationPayload{AccountID: "nobody"})
	unknown := f.enqueue(t, "horoscope", past(), models.InvitationPayload{AccountID: "acc-1"})

	res, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Canceled: 3}, res)
	for _, id := range []string{optedOut, missing, unknown} {
		assert.Equal(t, models.DeliveryCanceled, f.delivery(t, id).Status, id)
	}
	assert.Empty(t, f.sender.Sent())
}

func TestMemoryEchoPicksLatestMemory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	none := f.enqueue(t, models.DeliveryKindMemoryEcho, past(), models.InvitationPayload{AccountID: "acc-1"})
	_, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryCanceled, f.delivery(t, none).Status, "no memory to echo")

	memID, err := f.db.AddMemory(ctx, "acc-1", models.MemoryKindMemory, "la randonnée au Mont Ventoux")
	require.NoError(t, err)
	f.enqueue(t, models.DeliveryKindMemoryEcho, past(), models.InvitationPayload{AccountID: "acc-1"})
	res, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, models.PurposeMemoryEchoInvitation, f.lastOutbound(t).Purpose)

	p, err := f.pending.Latest(ctx, "acc-1", models.PendingMemoryEcho)
	require.NoError(t, err)
	payload := pending.DecodePayload(p)
	assert.Equal(t, memID, payload.MemoryID)
	assert.Equal(t, "la randonnée au Mont Ventoux", payload.MemoryContent)
}

func TestSendFailureRetriesAndReleasesPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.worker.replier = failingReplier{}
	id := f.enqueue(t, models.DeliveryKindCheckin, past(), models.InvitationPayload{AccountID: "acc-1"})

	res, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Failed: 1}, res)

	d := f.delivery(t, id)
	assert.Equal(t, models.DeliveryQueued, d.Status)
	assert.Equal(t, 1, d.Attempt)
	require.NotNil(t, d.LastError)
	assert.Contains(t, *d.LastError, "provider down")
	assert.True(t, d.RunAt.After(time.Now()), "retry is pushed back")

	_, err = f.pending.Latest(ctx, "acc-1", models.PendingScheduledCheckin)
	assert.ErrorIs(t, err, pending.ErrNoPending, "the slot is free for the retry")
}

func TestFutureDeliveryIsNotClaimed(t *testing.T) {
	f := newFixture(t)
	id := f.enqueue(t, models.DeliveryKindCheckin, time.Now().Add(time.Hour), models.InvitationPayload{AccountID: "acc-1"})

	res, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Equal(t, models.DeliveryQueued, f.delivery(t, id).Status)
}

func TestSweepRequeuesStaleDeliveries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.enqueue(t, models.DeliveryKindCheckin, past(), models.InvitationPayload{AccountID: "acc-1"})
	claimed, err := f.db.ClaimDueDeliveries(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	f.worker.Sweep(ctx)
	assert.Equal(t, models.DeliveryRunning, f.delivery(t, id).Status, "a fresh claim is left alone")

	f.worker.now = func() time.Time { return time.Now().Add(time.Hour) }
	f.worker.Sweep(ctx)
	assert.Equal(t, models.DeliveryQueued, f.delivery(t, id).Status)
}

func TestRunDeliversAndStops(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, models.DeliveryKindCheckin, past(), models.InvitationPayload{AccountID: "acc-1"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.worker.Run(ctx) }()

	assert.Eventually(t, func() bool { return len(f.sender.Sent()) == 1 }, 5*time.Second, 50*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}
