package identity

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/compose"
	"github.com/BTreeMap/CoachPipe/internal/mailer"
	"github.com/BTreeMap/CoachPipe/internal/messaging"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testPhone = "+33612345678"
	botPhone  = "+33700000000"
)

var signingKey = []byte("test-signing-key-0123456789abcdef")

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "coachpipe_identity_test_")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	s, err := store.Open(context.Background(), store.WithDSN(filepath.Join(tempDir, "test.db")))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedAccount(t *testing.T, s *store.Store, id, email, phone string, verified bool) {
	t.Helper()
	a := models.Account{ID: id, Email: email, DisplayName: strings.ToUpper(id[:1]) + id[1:], PhoneVerified: verified}
	if phone != "" {
		a.Phone = &phone
	}
	require.NoError(t, s.UpsertAccount(context.Background(), a))
}

type fixture struct {
	db       *store.Store
	sender   *messaging.LogSender
	mail     *mailer.LogMailer
	resolver *Resolver
}

func newFixture(t *testing.T, repo Repo, db *store.Store) *fixture {
	t.Helper()
	signer, err := NewSigner(signingKey)
	require.NoError(t, err)
	sender := messaging.NewLogSender()
	mail := mailer.NewLogMailer()
	if repo == nil {
		repo = db
	}
	r := NewResolver(repo, signer, compose.NewDispatcher(sender, db), mail, nil, Opts{
		BotPhone:            botPhone,
		SupportEmail:        "support@example.com",
		MaxAttempts:         2,
		PromptCooldown:      30 * time.Minute,
		BlockNoticeCooldown: 24 * time.Hour,
	})
	return &fixture{db: db, sender: sender, mail: mail, resolver: r}
}

func (f *fixture) handle(t *testing.T, text string) Outcome {
	t.Helper()
	ctx := context.Background()
	res, err := f.resolver.Resolve(ctx, testPhone)
	require.NoError(t, err)
	out, err := f.resolver.HandleUnlinked(ctx, &models.InboundEvent{MessageID: "m-" + text, Phone: testPhone, Body: text}, res)
	require.NoError(t, err)
	return out
}

func (f *fixture) bodies() []string {
	var out []string
	for _, m := range f.sender.Sent() {
		out = append(out, m.Body)
	}
	return out
}

func (f *fixture) linkState(t *testing.T) *models.LinkRequest {
	t.Helper()
	lr, err := f.db.GetLinkRequest(context.Background(), testPhone)
	require.NoError(t, err)
	return lr
}

func TestResolve(t *testing.T) {
	ctx := context.Background()

	t.Run("verified owner", func(t *testing.T) {
		db := newTestStore(t)
		seedAccount(t, db, "alice", "alice@example.com", testPhone, true)
		seedAccount(t, db, "bob", "bob@example.com", testPhone, false)
		res, err := newFixture(t, nil, db).resolver.Resolve(ctx, testPhone)
		require.NoError(t, err)
		assert.Equal(t, KindLinked, res.Kind)
		assert.Equal(t, "alice", res.Account.ID)
	})

	t.Run("single unverified claim is verified", func(t *testing.T) {
		db := newTestStore(t)
		seedAccount(t, db, "alice", "alice@example.com", testPhone, false)
		res, err := newFixture(t, nil, db).resolver.Resolve(ctx, testPhone)
		require.NoError(t, err)
		assert.Equal(t, KindLinked, res.Kind)
		assert.True(t, res.Account.PhoneVerified)

		stored, err := db.GetAccount(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, stored.PhoneVerified)
	})

	t.Run("several claims are ambiguous", func(t *testing.T) {
		db := newTestStore(t)
		seedAccount(t, db, "alice", "alice@example.com", testPhone, false)
		seedAccount(t, db, "bob", "bob@example.com", testPhone, false)
		res, err := newFixture(t, nil, db).resolver.Resolve(ctx, testPhone)
		require.NoError(t, err)
		assert.Equal(t, KindAmbiguous, res.Kind)
		assert.Equal(t, 2, res.Candidates)
		assert.Nil(t, res.Account)
	})

	t.Run("unknown phone", func(t *testing.T) {
		db := newTestStore(t)
		res, err := newFixture(t, nil, db).resolver.Resolve(ctx, testPhone)
		require.NoError(t, err)
		assert.Equal(t, KindUnlinked, res.Kind)
	})
}

// racingRepo returns a stale single-claim read and lets another account win
// the phone just before the resolver verifies its candidate.
type racingRepo struct {
	*store.Store
	stale  []models.Account
	winner string
	reads  int
}

func (r *racingRepo) AccountsByPhone(ctx context.Context, phone string) ([]models.Account, error) {
	r.reads++
	if r.reads == 1 {
		return r.stale, nil
	}
	return r.Store.AccountsByPhone(ctx, phone)
}

func (r *racingRepo) VerifyPhone(ctx context.Context, accountID, phone string) error {
	if err := r.Store.VerifyPhone(ctx, r.winner, phone); err != nil {
		return err
	}
	return r.Store.VerifyPhone(ctx, accountID, phone)
}

func TestResolve_UniqueViolationRereadsOwner(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	seedAccount(t, db, "alice", "alice@example.com", testPhone, false)
	seedAccount(t, db, "bob", "bob@example.com", testPhone, false)
	bob, err := db.GetAccount(ctx, "bob")
	require.NoError(t, err)

	repo := &racingRepo{Store: db, stale: []models.Account{*bob}, winner: "alice"}
	res, err := newFixture(t, repo, db).resolver.Resolve(ctx, testPhone)
	require.NoError(t, err)
	assert.Equal(t, KindLinked, res.Kind)
	assert.Equal(t, "alice", res.Account.ID, "the authoritative owner wins")
	assert.Equal(t, 2, repo.reads)
}

func TestHandleUnlinked_IntroPromptCooldown(t *testing.T) {
	f := newFixture(t, nil, newTestStore(t))

	assert.Equal(t, OutcomePrompted, f.handle(t, "Bonjour"))
	assert.Equal(t, OutcomeSuppressed, f.handle(t, "Tu es là ?"))
	require.Len(t, f.bodies(), 1)
	assert.Contains(t, f.bodies()[0], "adresse email")

	f.resolver.now = func() time.Time { return time.Now().Add(31 * time.Minute) }
	assert.Equal(t, OutcomePrompted, f.handle(t, "Allô"))
	assert.Len(t, f.bodies(), 2)
}

func TestHandleUnlinked_AmbiguousWordingHidesAccounts(t *testing.T) {
	db := newTestStore(t)
	seedAccount(t, db, "alice", "alice@example.com", testPhone, false)
	seedAccount(t, db, "bob", "bob@example.com", testPhone, false)
	f := newFixture(t, nil, db)

	assert.Equal(t, OutcomePrompted, f.handle(t, "salut"))
	require.Len(t, f.bodies(), 1)
	body := f.bodies()[0]
	assert.Contains(t, body, "plusieurs")
	assert.NotContains(t, body, "alice")
	assert.NotContains(t, body, "bob")
}

func TestHandleUnlinked_StopIsSilent(t *testing.T) {
	f := newFixture(t, nil, newTestStore(t))

	assert.Equal(t, OutcomeBlocked, f.handle(t, "STOP"))
	assert.Empty(t, f.bodies())
	assert.Equal(t, models.LinkStatusBlocked, f.linkState(t).Status)

	assert.Equal(t, OutcomeBlockNotice, f.handle(t, "hello"))
	assert.Equal(t, OutcomeSuppressed, f.handle(t, "hello ?"))
	assert.Len(t, f.bodies(), 1)

	assert.Equal(t, OutcomeResumed, f.handle(t, "Start"))
	assert.Equal(t, models.LinkStatusPending, f.linkState(t).Status)
}

func TestHandleUnlinked_UnknownEmailAttempts(t *testing.T) {
	f := newFixture(t, nil, newTestStore(t))

	assert.Equal(t, OutcomeConfirmEmail, f.handle(t, "c'est nobody@example.com"))
	lr := f.linkState(t)
	assert.Equal(t, models.LinkStatusConfirmEmail, lr.Status)
	assert.Equal(t, 1, lr.Attempts)
	require.NotNil(t, lr.LastEmailAttempt)
	assert.Equal(t, "nobody@example.com", *lr.LastEmailAttempt)

	assert.Equal(t, OutcomeSupportRequired, f.handle(t, "NOBODY2@example.com"))
	assert.Equal(t, models.LinkStatusSupportRequired, f.linkState(t).Status)
	assert.Contains(t, f.bodies()[1], "support@example.com")

	// terminal: further messages are rate limited, emails included
	assert.Equal(t, OutcomeSuppressed, f.handle(t, "alice@example.com"))
	assert.Equal(t, OutcomeSuppressed, f.handle(t, "allo ?"))
	assert.Len(t, f.bodies(), 2)
	assert.Empty(t, f.mail.Sent())

	f.resolver.now = func() time.Time { return time.Now().Add(time.Hour) }
	assert.Equal(t, OutcomeSupportRequired, f.handle(t, "allo ?"))
	assert.Len(t, f.bodies(), 3)
}

var reMailedToken = regexp.MustCompile(`LINK:([A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+)`)

func mailedToken(t *testing.T, m mailer.Message) string {
	t.Helper()
	match := reMailedToken.FindStringSubmatch(m.HTML)
	require.NotNil(t, match, "challenge mail carries the token")
	return match[1]
}

func TestHandleUnlinked_EmailNeverLinksDirectly(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	seedAccount(t, db, "alice", "Alice@Example.com", "", false)
	f := newFixture(t, nil, db)

	assert.Equal(t, OutcomeEmailSent, f.handle(t, "alice@example.com"))

	res, err := f.resolver.Resolve(ctx, testPhone)
	require.NoError(t, err)
	assert.Equal(t, KindUnlinked, res.Kind, "an email alone does not link")

	sent := f.mail.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Alice@Example.com", sent[0].To)
	assert.Contains(t, sent[0].HTML, "https://wa.me/33700000000?text=LINK%3A")

	tok := mailedToken(t, sent[0])
	claims, err := f.resolver.signer.Verify(tok, time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.TokenPurposeWrongNumber, claims.Purpose)
	assert.WithinDuration(t, time.Now().Add(30*24*time.Hour), claims.ExpiresAt.Time, time.Minute)

	row, err := db.GetLinkToken(ctx, claims.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TokenStatusActive, row.Status)
	assert.Equal(t, testPhone, row.RequestedByPhone)

	// a second request inside the cooldown does not mail again
	assert.Equal(t, OutcomeSuppressed, f.handle(t, "alice@example.com "))
	assert.Len(t, f.mail.Sent(), 1)
}

func TestHandleUnlinked_TokenTransfersPhoneAndNotifiesPrevious(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	seedAccount(t, db, "alice", "alice@example.com", "", false)
	seedAccount(t, db, "mallory", "mallory@example.com", testPhone, true)
	f := newFixture(t, nil, db)

	// mallory holds the phone, so alice asks from another number first
	res := Resolution{Kind: KindUnlinked}
	out, err := f.resolver.HandleUnlinked(ctx, &models.InboundEvent{MessageID: "m1", Phone: "+33699999999", Body: "alice@example.com"}, res)
	require.NoError(t, err)
	require.Equal(t, OutcomeEmailSent, out)
	tok := mailedToken(t, f.mail.Sent()[0])

	out, err = f.resolver.HandleUnlinked(ctx, &models.InboundEvent{MessageID: "m2", Phone: testPhone, Body: "LINK:" + tok}, res)
	require.NoError(t, err)
	assert.Equal(t, OutcomeLinked, out)

	resolved, err := f.resolver.Resolve(ctx, testPhone)
	require.NoError(t, err)
	require.Equal(t, KindLinked, resolved.Kind)
	assert.Equal(t, "alice", resolved.Account.ID)

	prev, err := db.GetAccount(ctx, "mallory")
	require.NoError(t, err)
	assert.Nil(t, prev.Phone)
	assert.False(t, prev.PhoneVerified)

	mails := f.mail.Sent()
	require.Len(t, mails, 2)
	assert.Equal(t, "mallory@example.com", mails[1].To)

	// single use
	out, err = f.resolver.HandleUnlinked(ctx, &models.InboundEvent{MessageID: "m3", Phone: "+33699999999", Body: "LINK:" + tok}, res)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTokenRejected, out)
}

func TestHandleUnlinked_ForgedTokenRejectedBeforeWrite(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	seedAccount(t, db, "alice", "alice@example.com", "", false)
	f := newFixture(t, nil, db)

	now := time.Now()
	genuine, claims, err := f.resolver.signer.Issue("alice", testPhone, models.TokenPurposeWrongNumber, time.Hour, now)
	require.NoError(t, err)
	require.NoError(t, db.CreateLinkToken(ctx, models.LinkToken{
		ID: claims.ID, AccountID: "alice", Purpose: models.TokenPurposeWrongNumber,
		RequestedByPhone: testPhone, Status: models.TokenStatusActive, ExpiresAt: claims.ExpiresAt.Time, CreatedAt: now,
	}))

	other, err := NewSigner([]byte("attacker-key"))
	require.NoError(t, err)
	forged, _, err := other.Issue("alice", testPhone, models.TokenPurposeWrongNumber, time.Hour, now)
	require.NoError(t, err)

	assert.Equal(t, OutcomeTokenRejected, f.handle(t, "LINK:"+forged))
	row, err := db.GetLinkToken(ctx, claims.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TokenStatusActive, row.Status)

	assert.Equal(t, OutcomeLinked, f.handle(t, "link: "+genuine))
}

func TestSigner_Expiry(t *testing.T) {
	s, err := NewSigner(signingKey)
	require.NoError(t, err)
	now := time.Now()
	raw, _, err := s.Issue("alice", testPhone, models.TokenPurposeAmbiguous, time.Hour, now)
	require.NoError(t, err)

	_, err = s.Verify(raw, now.Add(30*time.Minute))
	assert.NoError(t, err)
	_, err = s.Verify(raw, now.Add(2*time.Hour))
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = s.Verify("not.a.token", now)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = NewSigner(nil)
	assert.Error(t, err)
}

func TestKeywordsAndExtraction(t *testing.T) {
	assert.True(t, IsOptOut("STOP"))
	assert.True(t, IsOptOut(" stop! "))
	assert.True(t, IsOptOut("Arrêt"))
	assert.False(t, IsOptOut("stop the bot please"))
	assert.True(t, IsOptIn("START"))
	assert.False(t, IsOptIn("started"))

	email, ok := ExtractEmail("mon mail: Jean.Dupont+coach@Mail.FR.")
	require.True(t, ok)
	assert.Equal(t, "jean.dupont+coach@mail.fr", email)
	_, ok = ExtractEmail("pas d'email ici")
	assert.False(t, ok)

	tok, ok := ExtractToken("LINK:aaa.bbb.ccc")
	require.True(t, ok)
	assert.Equal(t, "aaa.bbb.ccc", tok)
	_, ok = ExtractToken("link me please")
	assert.False(t, ok)

	assert.Equal(t, "https://wa.me/33700000000?text=LINK%3Aaaa.bbb.ccc", DeepLink(botPhone, "aaa.bbb.ccc"))
}
