// Package engine drives the trigger state machine: it evaluates inactivity
// against the configured threshold, runs the verification window, and
// releases documents to recipients exactly once.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"vigil/internal/config"
	"vigil/internal/domain"
	"vigil/internal/events"
	"vigil/internal/ledger"
	"vigil/internal/notify"
	"vigil/internal/repo"
	"vigil/internal/verifier"
)

// accessCodeTTL bounds how long a recipient's document access code stays
// valid after release.
const accessCodeTTL = 30 * 24 * time.Hour

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Ledger   ledger.Ledger
	Verifier verifier.Verifier
	Events   events.Writer
	Dispatch notify.Dispatcher
	Config   *config.Config
	Now      func() time.Time
	Log      zerolog.Logger

	release *singleflight.Group
}

func New(db *sql.DB, cfg *config.Config, dispatch notify.Dispatcher, log zerolog.Logger) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Ledger:   ledger.Ledger{DB: db},
		Verifier: verifier.Verifier{DB: db},
		Events:   events.Writer{DB: db},
		Dispatch: dispatch,
		Config:   cfg,
		Now:      time.Now,
		Log:      log,
		release:  &singleflight.Group{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// RecordActivity appends one proof-of-life event to the ledger. If the
// system was awaiting verification, activity alone does not cancel the
// challenge; only a correct response does.
func (e Engine) RecordActivity(ctx context.Context, kind, source, note string) (domain.ActivityEvent, error) {
	switch kind {
	case domain.ActivityHeartbeat, domain.ActivityManualCheckin, domain.ActivityDeviceSignal:
	case "":
		kind = domain.ActivityHeartbeat
	default:
		return domain.ActivityEvent{}, fmt.Errorf("unknown activity kind %q", kind)
	}
	return e.Ledger.Record(ctx, kind, source, note)
}

// Evaluate runs one monitor tick. It is safe to call concurrently and
// repeatedly: every transition is guarded on the previous state, so a
// duplicate tick is a no-op.
func (e Engine) Evaluate(ctx context.Context) error {
	st, err := e.Repo.GetTriggerState(ctx)
	if err != nil {
		return err
	}
	switch st.State {
	case domain.StateReleased, domain.StateDisarmed:
		return nil
	case domain.StateIdle:
		return e.evaluateIdle(ctx)
	case domain.StateAwaiting:
		return e.evaluateAwaiting(ctx, st)
	default:
		return fmt.Errorf("unknown trigger state %q", st.State)
	}
}

func (e Engine) evaluateIdle(ctx context.Context) error {
	last, ok, err := e.Ledger.LastActivity(ctx)
	if err != nil {
		return err
	}
	now := e.now().UTC()
	if !ok {
		// First run: seed the ledger instead of counting the empty
		// history as silence.
		_, err := e.Ledger.Record(ctx, domain.ActivityFirstRun, "system", "ledger initialized")
		if err == nil {
			e.Log.Info().Msg("first run, activity ledger seeded")
		}
		return err
	}
	days := int(now.Sub(last).Hours() / 24)
	if days < e.Config.Monitor.InactivityDays {
		return nil
	}
	return e.beginVerification(ctx, now, days)
}

func (e Engine) beginVerification(ctx context.Context, now time.Time, daysInactive int) error {
	deadline := now.Add(e.Config.VerificationWindow()).Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.SetTriggerState(ctx, tx, domain.StateIdle, domain.StateAwaiting, &deadline, now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// Another tick won the transition.
			return nil
		}
		return err
	}
	if err := e.Events.Append(ctx, tx, "trigger.awaiting", "trigger", "", "system", events.EventPayload{
		"days_inactive": daysInactive,
		"deadline":      deadline,
	}); err != nil {
		return err
	}
	// The challenge commits with the state flip: if storing it fails, the
	// transition rolls back and the next tick retries from idle.
	code, err := e.Verifier.IssueChallenge(ctx, tx, domain.PurposeLifeVerification, e.Config.VerificationWindow())
	if err != nil {
		return fmt.Errorf("issue challenge: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	dl, _ := time.Parse(time.RFC3339, deadline)
	if err := e.Dispatch.NotifyOwner(ctx, code, dl); err != nil {
		// The state already moved; the challenge stands even if no
		// channel got through, and the owner can still check in via
		// the CLI or API.
		e.Log.Error().Err(err).Msg("owner notification failed")
	}
	e.Log.Warn().Int("days_inactive", daysInactive).Str("deadline", deadline).Msg("verification window opened")
	return nil
}

func (e Engine) evaluateAwaiting(ctx context.Context, st domain.TriggerState) error {
	if st.Deadline == nil {
		return fmt.Errorf("awaiting state without deadline")
	}
	deadline, err := time.Parse(time.RFC3339, *st.Deadline)
	if err != nil {
		return fmt.Errorf("parse deadline: %w", err)
	}
	if e.now().UTC().Before(deadline) {
		return nil
	}
	return e.Release(ctx)
}

// ResponseResult reports whether a submitted credential was accepted. The
// rejection reason is deliberately uniform: wrong, expired and unknown
// codes are indistinguishable to the caller.
type ResponseResult struct {
	Accepted bool   `json:"accepted"`
	Disarmed bool   `json:"disarmed,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// SubmitResponse consumes an owner credential: either the one-time
// verification code or the kill-switch secret. The kill switch works from
// any state before release and disarms permanently.
func (e Engine) SubmitResponse(ctx context.Context, credential string) (ResponseResult, error) {
	rejected := ResponseResult{Reason: "verification failed"}
	if credential == "" {
		return rejected, nil
	}

	st, err := e.Repo.GetTriggerState(ctx)
	if err != nil {
		return ResponseResult{}, err
	}
	if st.State == domain.StateReleased {
		return ResponseResult{Reason: "documents already released"}, nil
	}
	if st.State == domain.StateDisarmed {
		return ResponseResult{Reason: "system is disarmed"}, nil
	}

	killed, err := e.Verifier.CheckKillSwitch(ctx, credential)
	if err != nil {
		return ResponseResult{}, err
	}
	if killed {
		if err := e.disarm(ctx, st.State, "kill-switch"); err != nil {
			return ResponseResult{}, err
		}
		return ResponseResult{Accepted: true, Disarmed: true}, nil
	}

	// Outside a verification window there is nothing to answer; reject
	// before consuming so an outstanding code survives for its window.
	if st.State != domain.StateAwaiting {
		return rejected, nil
	}
	ok, err := e.Verifier.VerifyChallenge(ctx, credential, domain.PurposeLifeVerification)
	if err != nil {
		return ResponseResult{}, err
	}
	if !ok {
		return rejected, nil
	}

	now := e.now().UTC()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ResponseResult{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetTriggerState(ctx, tx, domain.StateAwaiting, domain.StateIdle, nil, now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return rejected, nil
		}
		return ResponseResult{}, err
	}
	if err := e.Ledger.RecordTx(ctx, tx, domain.ActivityLifeVerified, "owner", "verification code accepted"); err != nil {
		return ResponseResult{}, err
	}
	if err := e.Events.Append(ctx, tx, "trigger.verified", "trigger", "", "owner", nil); err != nil {
		return ResponseResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ResponseResult{}, err
	}
	e.Log.Info().Msg("life verified, trigger reset to idle")
	return ResponseResult{Accepted: true}, nil
}

// Release moves awaiting -> released and delivers every document to every
// recipient. The state transition commits before any delivery is attempted,
// so a crash mid-delivery can never release twice; failed channels are
// recorded and retried separately.
func (e Engine) Release(ctx context.Context) error {
	_, err, _ := e.release.Do("release", func() (any, error) {
		return nil, e.doRelease(ctx)
	})
	return err
}

func (e Engine) doRelease(ctx context.Context) error {
	if len(e.Config.Recipients) == 0 || len(e.Config.Documents) == 0 {
		return errors.New("refusing release: no recipients or documents configured")
	}
	now := e.now().UTC()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SetTriggerState(ctx, tx, domain.StateAwaiting, domain.StateReleased, nil, now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := e.Events.Append(ctx, tx, "trigger.released", "trigger", "", "system", events.EventPayload{
		"recipients": len(e.Config.Recipients),
		"documents":  len(e.Config.Documents),
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Log.Warn().Msg("verification window expired, releasing documents")
	return e.deliverAll(ctx, nil)
}

// deliverAll attempts delivery for every (recipient, document) pair, or for
// the given subset. Channels already marked sent are skipped.
func (e Engine) deliverAll(ctx context.Context, only map[[2]string]bool) error {
	var firstErr error
	for _, r := range e.Config.Recipients {
		for _, d := range e.Config.Documents {
			if only != nil && !only[[2]string{r.Name, d.Name}] {
				continue
			}
			if err := e.deliverPair(ctx, r, d); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (e Engine) deliverPair(ctx context.Context, r domain.Recipient, d domain.Document) error {
	sent, err := e.Repo.SentChannels(ctx, r.Name, d.Name)
	if err != nil {
		return err
	}
	if sent[domain.ChannelEmail] && sent[domain.ChannelSMS] && sent[domain.ChannelWhatsApp] {
		return nil
	}
	// Blank contact fields for channels that already went through so the
	// dispatcher reports them as skipped instead of sending twice.
	attempt := r
	if sent[domain.ChannelEmail] {
		attempt.Email = ""
	}
	if sent[domain.ChannelSMS] {
		attempt.Phone = ""
	}
	if sent[domain.ChannelWhatsApp] {
		attempt.WhatsApp = ""
	}

	// A retry resends the code already in flight; only the first attempt
	// for a recipient mints one.
	purpose := domain.PurposeDocumentAccess + ":" + r.Name
	code, ok, err := e.Verifier.OutstandingCode(ctx, purpose)
	if err != nil {
		return err
	}
	if !ok {
		code, err = e.Verifier.IssueChallenge(ctx, nil, purpose, accessCodeTTL)
		if err != nil {
			return fmt.Errorf("issue access code for %s: %w", r.Name, err)
		}
	}
	out := e.Dispatch.ReleaseToRecipient(ctx, attempt, d, code)

	now := e.now().UTC().Format(time.RFC3339)
	record := func(channel, status string) error {
		if status == domain.DeliverySkipped && sent[channel] {
			// Already recorded as sent in a previous attempt.
			return nil
		}
		return e.Repo.InsertDelivery(ctx, nil, domain.Delivery{
			Recipient: r.Name,
			Document:  d.Name,
			Channel:   channel,
			Status:    status,
			TS:        now,
		})
	}
	if err := record(domain.ChannelEmail, out.Email); err != nil {
		return err
	}
	if err := record(domain.ChannelSMS, out.SMS); err != nil {
		return err
	}
	return record(domain.ChannelWhatsApp, out.WhatsApp)
}

// RetryFailedDeliveries re-attempts every (recipient, document) pair that
// still has a failed channel. Only meaningful after release.
func (e Engine) RetryFailedDeliveries(ctx context.Context) (int, error) {
	st, err := e.Repo.GetTriggerState(ctx)
	if err != nil {
		return 0, err
	}
	if st.State != domain.StateReleased {
		return 0, fmt.Errorf("no release to retry: state is %s", st.State)
	}
	pairs, err := e.Repo.FailedPairs(ctx)
	if err != nil {
		return 0, err
	}
	if len(pairs) == 0 {
		return 0, nil
	}
	only := map[[2]string]bool{}
	for _, p := range pairs {
		only[p] = true
	}
	return len(pairs), e.deliverAll(ctx, only)
}

// VerifyAccess checks a recipient's document access code.
func (e Engine) VerifyAccess(ctx context.Context, recipient, code string) (bool, error) {
	if recipient == "" || code == "" {
		return false, nil
	}
	return e.Verifier.VerifyChallenge(ctx, code, domain.PurposeDocumentAccess+":"+recipient)
}

// Disarm is the owner's manual stand-down, equivalent to the kill switch
// but driven by an authenticated local command.
func (e Engine) Disarm(ctx context.Context) error {
	st, err := e.Repo.GetTriggerState(ctx)
	if err != nil {
		return err
	}
	if st.State == domain.StateReleased {
		return errors.New("cannot disarm: documents already released")
	}
	if st.State == domain.StateDisarmed {
		return nil
	}
	return e.disarm(ctx, st.State, "manual")
}

func (e Engine) disarm(ctx context.Context, from, how string) error {
	now := e.now().UTC()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SetTriggerState(ctx, tx, from, domain.StateDisarmed, nil, now); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "trigger.disarmed", "trigger", "", "owner", events.EventPayload{"how": how}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Log.Warn().Str("how", how).Msg("system disarmed")
	return nil
}

// Arm re-enables monitoring from a terminal state, seeding fresh activity
// so the countdown restarts from now.
func (e Engine) Arm(ctx context.Context) error {
	st, err := e.Repo.GetTriggerState(ctx)
	if err != nil {
		return err
	}
	if st.State == domain.StateIdle || st.State == domain.StateAwaiting {
		return nil
	}
	now := e.now().UTC()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SetTriggerState(ctx, tx, st.State, domain.StateIdle, nil, now); err != nil {
		return err
	}
	if err := e.Ledger.RecordTx(ctx, tx, domain.ActivityManualCheckin, "owner", "re-armed"); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "trigger.armed", "trigger", "", "owner", nil); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Log.Info().Msg("system armed")
	return nil
}

// SetKillSwitch stores (or replaces) the kill-switch secret hash.
func (e Engine) SetKillSwitch(ctx context.Context, secret string) error {
	if len(secret) < 8 {
		return errors.New("kill-switch secret must be at least 8 characters")
	}
	if err := e.Verifier.SetKillSwitch(ctx, secret); err != nil {
		return err
	}
	e.Log.Info().Msg("kill-switch secret updated")
	return nil
}

// Status summarizes the trigger for the owner.
func (e Engine) Status(ctx context.Context) (domain.StatusReport, error) {
	st, err := e.Repo.GetTriggerState(ctx)
	if err != nil {
		return domain.StatusReport{}, err
	}
	rep := domain.StatusReport{State: st.State, Deadline: st.Deadline}

	last, ok, err := e.Ledger.LastActivity(ctx)
	if err != nil {
		return domain.StatusReport{}, err
	}
	if ok {
		ts := last.UTC().Format(time.RFC3339)
		rep.LastActivity = &ts
		rep.DaysInactive = int(e.now().UTC().Sub(last).Hours() / 24)
	}
	if st.State == domain.StateIdle {
		rep.DaysRemaining = e.Config.Monitor.InactivityDays - rep.DaysInactive
		if rep.DaysRemaining < 0 {
			rep.DaysRemaining = 0
		}
	}
	return rep, nil
}
