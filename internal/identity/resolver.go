// Package identity maps an inbound phone number to an application account and
// runs the linking protocol for phones that map to none or to several.
//
// A phone is only ever linked by consuming a signed single-use token that was
// mailed to the account's registered address. Typing an email on a foreign
// phone never links it.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/compose"
	"github.com/BTreeMap/CoachPipe/internal/cooldown"
	"github.com/BTreeMap/CoachPipe/internal/mailer"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/store"
)

// Kind is the outcome class of Resolve.
type Kind string

const (
	KindLinked    Kind = "linked"
	KindAmbiguous Kind = "ambiguous"
	KindUnlinked  Kind = "unlinked"
)

// Resolution is the result of Resolve. Account is set only for KindLinked.
type Resolution struct {
	Kind       Kind
	Account    *models.Account
	Candidates int
}

// Repo is the persistence the resolver needs.
type Repo interface {
	AccountsByPhone(ctx context.Context, phone string) ([]models.Account, error)
	VerifyPhone(ctx context.Context, accountID, phone string) error
	GetAccountByEmail(ctx context.Context, email string) (*models.Account, error)

	EnsureLinkRequest(ctx context.Context, phone string, now time.Time) (*models.LinkRequest, error)
	TransitionLinkRequest(ctx context.Context, t store.LinkTransition) (bool, error)
	TouchLinkPrompt(ctx context.Context, phone string, at time.Time) error
	CreateLinkToken(ctx context.Context, tok models.LinkToken) error
	TransferPhone(ctx context.Context, tokenID, phone string, now time.Time) (*models.PhoneTransfer, error)

	LastOutbound(ctx context.Context, f store.OutboundFilter) (*models.OutboundMessage, error)
}

// Sender sends one message to a phone and audits it.
type Sender interface {
	Send(ctx context.Context, o compose.Outgoing) (*models.OutboundMessage, error)
}

// Opts holds the linking protocol knobs.
type Opts struct {
	BotPhone            string
	SupportEmail        string
	MaxAttempts         int
	TokenTTL            time.Duration
	AmbiguousTokenTTL   time.Duration
	PromptCooldown      time.Duration
	BlockNoticeCooldown time.Duration
	MailTimeout         time.Duration
}

// Resolver implements Resolve and the unlinked-phone protocol.
type Resolver struct {
	repo   Repo
	signer *Signer
	sender Sender
	mail   mailer.Mailer
	gate   cooldown.Gate
	opts   Opts
	now    func() time.Time
}

// NewResolver returns a Resolver. gate may be nil.
func NewResolver(repo Repo, signer *Signer, sender Sender, mail mailer.Mailer, gate cooldown.Gate, opts Opts) *Resolver {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 2
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 30 * 24 * time.Hour
	}
	if opts.AmbiguousTokenTTL <= 0 {
		opts.AmbiguousTokenTTL = 7 * 24 * time.Hour
	}
	if opts.MailTimeout <= 0 {
		opts.MailTimeout = 15 * time.Second
	}
	if gate == nil {
		gate = cooldown.Noop{}
	}
	return &Resolver{repo: repo, signer: signer, sender: sender, mail: mail, gate: gate, opts: opts, now: time.Now}
}

// Resolve maps phone to its account. A verified owner wins. A single
// unverified claim is verified in place; when that write loses the race for
// the phone, the owner that won is re-read and returned.
func (r *Resolver) Resolve(ctx context.Context, phone string) (Resolution, error) {
	accounts, err := r.repo.AccountsByPhone(ctx, phone)
	if err != nil {
		return Resolution{}, fmt.Errorf("resolve %s: %w", phone, err)
	}
	var candidates []models.Account
	for i := range accounts {
		if accounts[i].PhoneVerified {
			return Resolution{Kind: KindLinked, Account: &accounts[i]}, nil
		}
		candidates = append(candidates, accounts[i])
	}

	switch len(candidates) {
	case 0:
		return Resolution{Kind: KindUnlinked}, nil
	case 1:
		acct := candidates[0]
		err := r.repo.VerifyPhone(ctx, acct.ID, phone)
		switch {
		case err == nil:
			acct.PhoneVerified = true
			slog.Info("Resolver.Resolve: single claim verified", "account_id", acct.ID, "phone", phone)
			return Resolution{Kind: KindLinked, Account: &acct}, nil
		case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrNotFound):
			slog.Debug("Resolver.Resolve: verify lost race, re-reading owner", "phone", phone, "error", err)
			return r.authoritativeOwner(ctx, phone)
		default:
			return Resolution{}, fmt.Errorf("resolve %s: %w", phone, err)
		}
	default:
		return Resolution{Kind: KindAmbiguous, Candidates: len(candidates)}, nil
	}
}

func (r *Resolver) authoritativeOwner(ctx context.Context, phone string) (Resolution, error) {
	accounts, err := r.repo.AccountsByPhone(ctx, phone)
	if err != nil {
		return Resolution{}, fmt.Errorf("resolve %s after race: %w", phone, err)
	}
	unverified := 0
	for i := range accounts {
		if accounts[i].PhoneVerified {
			return Resolution{Kind: KindLinked, Account: &accounts[i]}, nil
		}
		unverified++
	}
	if unverified > 1 {
		return Resolution{Kind: KindAmbiguous, Candidates: unverified}, nil
	}
	return Resolution{Kind: KindUnlinked}, nil
}
