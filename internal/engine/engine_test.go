package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"vigil/internal/config"
	"vigil/internal/db"
	"vigil/internal/domain"
	"vigil/internal/engine"
	"vigil/internal/migrate"
	"vigil/internal/notify"
)

type releaseCall struct {
	Recipient domain.Recipient
	Document  domain.Document
	Code      string
}

type fakeDispatcher struct {
	mu         sync.Mutex
	ownerCodes []string
	releases   []releaseCall
	emailFails bool
}

func (f *fakeDispatcher) NotifyOwner(ctx context.Context, code string, deadline time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ownerCodes = append(f.ownerCodes, code)
	return nil
}

func (f *fakeDispatcher) ReleaseToRecipient(ctx context.Context, r domain.Recipient, d domain.Document, code string) notify.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases = append(f.releases, releaseCall{Recipient: r, Document: d, Code: code})
	out := notify.Outcome{
		Email:    domain.DeliverySkipped,
		SMS:      domain.DeliverySkipped,
		WhatsApp: domain.DeliverySkipped,
	}
	if r.Email != "" {
		if f.emailFails {
			out.Email = domain.DeliveryFailed
		} else {
			out.Email = domain.DeliverySent
		}
	}
	if r.Phone != "" {
		out.SMS = domain.DeliverySent
	}
	return out
}

func (f *fakeDispatcher) lastOwnerCode(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ownerCodes) == 0 {
		t.Fatal("no owner notification sent")
	}
	return f.ownerCodes[len(f.ownerCodes)-1]
}

type testEnv struct {
	Engine   engine.Engine
	Dispatch *fakeDispatcher
	Ctx      context.Context
	clock    *time.Time
}

func (env *testEnv) advance(d time.Duration) {
	*env.clock = env.clock.Add(d)
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Owner.Name = "Owner"
	cfg.Owner.Email = "owner@example.com"
	cfg.Owner.Phone = "+15550001111"
	cfg.Monitor.InactivityDays = 10
	cfg.Monitor.VerificationHours = 48
	cfg.Recipients = []domain.Recipient{
		{Name: "anita", Email: "anita@example.com", Phone: "+15552223333", Language: "spanish"},
	}
	cfg.Documents = []domain.Document{
		{Name: "will", Description: "last will", Locator: "vault://legal/will"},
	}
	return cfg
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	if _, err := db.EnsureWorkspace(dir); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &start
	now := func() time.Time { return *clock }

	fake := &fakeDispatcher{}
	eng := engine.New(conn, testConfig(), fake, zerolog.Nop())
	eng.Now = now
	eng.Ledger.Now = now
	eng.Verifier.Now = now
	return &testEnv{Engine: eng, Dispatch: fake, Ctx: context.Background(), clock: clock}
}

func (env *testEnv) mustState(t *testing.T, want string) {
	t.Helper()
	st, err := env.Engine.Repo.GetTriggerState(env.Ctx)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if st.State != want {
		t.Fatalf("state = %q, want %q", st.State, want)
	}
}

func TestFirstRunSeedsLedger(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.Evaluate(env.Ctx); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	env.mustState(t, domain.StateIdle)
	events, err := env.Engine.Ledger.Recent(env.Ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(events) != 1 || events[0].Kind != domain.ActivityFirstRun {
		t.Fatalf("expected single first-run event, got %+v", events)
	}
	// A second tick right away must not trigger anything.
	if err := env.Engine.Evaluate(env.Ctx); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	env.mustState(t, domain.StateIdle)
	if len(env.Dispatch.ownerCodes) != 0 {
		t.Fatalf("unexpected owner notification")
	}
}

func TestInactivityOpensVerificationOnce(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.RecordActivity(env.Ctx, domain.ActivityManualCheckin, "cli", ""); err != nil {
		t.Fatalf("record: %v", err)
	}

	env.advance(9 * 24 * time.Hour)
	if err := env.Engine.Evaluate(env.Ctx); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	env.mustState(t, domain.StateIdle)

	env.advance(24 * time.Hour)
	if err := env.Engine.Evaluate(env.Ctx); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	env.mustState(t, domain.StateAwaiting)
	if len(env.Dispatch.ownerCodes) != 1 {
		t.Fatalf("owner notifications = %d, want 1", len(env.Dispatch.ownerCodes))
	}

	// Repeated ticks inside the window are no-ops: one challenge, one
	// notification.
	env.advance(time.Hour)
	if err := env.Engine.Evaluate(env.Ctx); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	env.mustState(t, domain.StateAwaiting)
	if len(env.Dispatch.ownerCodes) != 1 {
		t.Fatalf("owner notifications = %d, want 1", len(env.Dispatch.ownerCodes))
	}
}

func TestCorrectCodeResetsCountdown(t *testing.T) {
	env := newTestEnv(t)
	_, _ = env.Engine.RecordActivity(env.Ctx, domain.ActivityHeartbeat, "cron", "")
	env.advance(10 * 24 * time.Hour)
	if err := env.Engine.Evaluate(env.Ctx); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	code := env.Dispatch.lastOwnerCode(t)

	res, err := env.Engine.SubmitResponse(env.Ctx, code)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !res.Accepted || res.Disarmed {
		t.Fatalf("result = %+v, want accepted", res)
	}
	env.mustState(t, domain.StateIdle)

	rep, err := env.Engine.Status(env.Ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if rep.DaysInactive != 0 {
		t.Fatalf("days inactive = %d, want 0 after verification", rep.DaysInactive)
	}

	// A consumed code is dead.
	res, err = env.Engine.SubmitResponse(env.Ctx, code)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Accepted {
		t.Fatal("consumed code accepted twice")
	}
}

func TestWrongCredentialGetsUniformRejection(t *testing.T) {
	env := newTestEnv(t)
	_, _ = env.Engine.RecordActivity(env.Ctx, domain.ActivityHeartbeat, "cron", "")
	env.advance(10 * 24 * time.Hour)
	if err := env.Engine.Evaluate(env.Ctx); err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	wrong, err := env.Engine.SubmitResponse(env.Ctx, "not-a-real-code")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	empty, err := env.Engine.SubmitResponse(env.Ctx, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if wrong.Accepted || empty.Accepted {
		t.Fatal("bogus credentials accepted")
	}
	if wrong.Reason != empty.Reason {
		t.Fatalf("rejection reasons differ (%q vs %q); responses must not leak why", wrong.Reason, empty.Reason)
	}
	env.mustState(t, domain.StateAwaiting)
}

func TestKillSwitchDisarmsPermanently(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.SetKillSwitch(env.Ctx, "emergency-stop-42"); err != nil {
		t.Fatalf("set kill switch: %v", err)
	}
	_, _ = env.Engine.RecordActivity(env.Ctx, domain.ActivityHeartbeat, "cron", "")
	env.advance(10 * 24 * time.Hour)
	if err := env.Engine.Evaluate(env.Ctx); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	env.mustState(t, domain.StateAwaiting)

	res, err := env.Engine.SubmitResponse(env.Ctx, "emergency-stop-42")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !res.Accepted || !res.Disarmed {
		t.Fatalf("result = %+v, want disarmed", res)
	}
	env.mustState(t, domain.StateDisarmed)

	// Even far past the old deadline nothing releases.
	env.advance(30 * 24 * time.Hour)
	if err := env.Engine.Evaluate(env.Ctx); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	env.mustState(t, domain.StateDisarmed)
	if len(env.Dispatch.releases) != 0 {
		t.Fatalf("release happened while disarmed: %+v", env.Dispatch.releases)
	}
}

func TestDeadlineExpiryReleasesExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	_, _ = env.Engine.RecordActivity(env.Ctx, domain.ActivityHeartbeat, "cron", "")
	env.advance(10 * 24 * time.Hour)
	if err := env.Engine.Evaluate(env.Ctx); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	env.advance(48 * time.Hour)
	if err := env.Engine.Evaluate(env.Ctx); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	env.mustState(t, domain.StateReleased)
	if len(env.Dispatch.releases) != 1 {
		t.Fatalf("release calls = %d, want 1", len(env.Dispatch.releases))
	}
	call := env.Dispatch.releases[0]
	if call.Recipient.Name != "anita" || call.Document.Name != "will" || call.Code == "" {
		t.Fatalf("unexpected release call %+v", call)
	}

	// The recipient's access code must actually work.
	ok, err := env.Engine.VerifyAccess(env.Ctx, "anita", call.Code)
	if err != nil || !ok {
		t.Fatalf("access code rejected: ok=%v err=%v", ok, err)
	}

	deliveries, err := env.Engine.Repo.ListDeliveries(env.Ctx, 0)
	if err != nil {
		t.Fatalf("list deliveries: %v", err)
	}
	byChannel := map[string]string{}
	for _, d := range deliveries {
		byChannel[d.Channel] = d.Status
	}
	if byChannel[domain.ChannelEmail] != domain.DeliverySent ||
		byChannel[domain.ChannelSMS] != domain.DeliverySent ||
		byChannel[domain.ChannelWhatsApp] != domain.DeliverySkipped {
		t.Fatalf("unexpected delivery outcomes %+v", byChannel)
	}

	// Further ticks and late codes change nothing.
	env.advance(24 * time.Hour)
	if err := env.Engine.Evaluate(env.Ctx); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(env.Dispatch.releases) != 1 {
		t.Fatalf("release repeated: %d calls", len(env.Dispatch.releases))
	}
	res, err := env.Engine.SubmitResponse(env.Ctx, "anything")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Accepted {
		t.Fatal("credential accepted after release")
	}
}

func TestRetrySkipsSentChannels(t *testing.T) {
	env := newTestEnv(t)
	env.Dispatch.emailFails = true
	_, _ = env.Engine.RecordActivity(env.Ctx, domain.ActivityHeartbeat, "cron", "")
	env.advance(10 * 24 * time.Hour)
	_ = env.Engine.Evaluate(env.Ctx)
	env.advance(48 * time.Hour)
	if err := env.Engine.Evaluate(env.Ctx); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	env.mustState(t, domain.StateReleased)

	env.Dispatch.emailFails = false
	n, err := env.Engine.RetryFailedDeliveries(env.Ctx)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if n != 1 {
		t.Fatalf("retried pairs = %d, want 1", n)
	}
	if len(env.Dispatch.releases) != 2 {
		t.Fatalf("release calls = %d, want 2", len(env.Dispatch.releases))
	}
	// SMS already went through the first time; the retry must not carry
	// that channel again.
	second := env.Dispatch.releases[1]
	if second.Recipient.Phone != "" {
		t.Fatalf("retry re-attempted sms channel: %+v", second.Recipient)
	}
	if second.Recipient.Email == "" {
		t.Fatal("retry skipped the failed email channel")
	}

	sent, err := env.Engine.Repo.SentChannels(env.Ctx, "anita", "will")
	if err != nil {
		t.Fatalf("sent channels: %v", err)
	}
	if !sent[domain.ChannelEmail] || !sent[domain.ChannelSMS] {
		t.Fatalf("sent channels = %+v", sent)
	}

	// Nothing left to retry.
	n, err = env.Engine.RetryFailedDeliveries(env.Ctx)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if n != 0 {
		t.Fatalf("retried pairs = %d, want 0", n)
	}
}

func TestFailedChallengeStorageRollsBackTransition(t *testing.T) {
	env := newTestEnv(t)
	_, _ = env.Engine.RecordActivity(env.Ctx, domain.ActivityHeartbeat, "cron", "")
	env.advance(10 * 24 * time.Hour)

	// With challenge storage broken the tick must fail whole: no state
	// flip, no deadline, no owner notification.
	if _, err := env.Engine.DB.Exec(`ALTER TABLE challenges RENAME TO challenges_offline`); err != nil {
		t.Fatalf("take challenges offline: %v", err)
	}
	if err := env.Engine.Evaluate(env.Ctx); err == nil {
		t.Fatal("evaluate succeeded without challenge storage")
	}
	env.mustState(t, domain.StateIdle)
	if len(env.Dispatch.ownerCodes) != 0 {
		t.Fatal("owner notified without a stored challenge")
	}

	// Storage recovers: the next tick retries the whole transition and the
	// code it hands out actually verifies.
	if _, err := env.Engine.DB.Exec(`ALTER TABLE challenges_offline RENAME TO challenges`); err != nil {
		t.Fatalf("restore challenges: %v", err)
	}
	if err := env.Engine.Evaluate(env.Ctx); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	env.mustState(t, domain.StateAwaiting)
	res, err := env.Engine.SubmitResponse(env.Ctx, env.Dispatch.lastOwnerCode(t))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !res.Accepted {
		t.Fatalf("retried challenge rejected: %+v", res)
	}
}

func TestReleaseRefusedWithoutRecipients(t *testing.T) {
	env := newTestEnv(t)
	_, _ = env.Engine.RecordActivity(env.Ctx, domain.ActivityHeartbeat, "cron", "")
	env.advance(10 * 24 * time.Hour)
	if err := env.Engine.Evaluate(env.Ctx); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	env.mustState(t, domain.StateAwaiting)

	env.Engine.Config.Recipients = nil
	env.advance(48 * time.Hour)
	if err := env.Engine.Evaluate(env.Ctx); err == nil {
		t.Fatal("release went ahead with nobody to deliver to")
	}
	env.mustState(t, domain.StateAwaiting)
	if len(env.Dispatch.releases) != 0 {
		t.Fatalf("unexpected releases: %+v", env.Dispatch.releases)
	}
}

func TestIdleSubmissionDoesNotBurnOutstandingCode(t *testing.T) {
	env := newTestEnv(t)
	_, _ = env.Engine.RecordActivity(env.Ctx, domain.ActivityHeartbeat, "cron", "")

	// An unconsumed code submitted outside a verification window is
	// rejected without being spent.
	code, err := env.Engine.Verifier.IssueChallenge(env.Ctx, nil, domain.PurposeLifeVerification, 48*time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	res, err := env.Engine.SubmitResponse(env.Ctx, code)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Accepted {
		t.Fatal("code accepted while idle")
	}
	ok, err := env.Engine.Verifier.VerifyChallenge(env.Ctx, code, domain.PurposeLifeVerification)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatal("idle submission consumed the code")
	}
}

func TestRetryResendsSameAccessCode(t *testing.T) {
	env := newTestEnv(t)
	env.Dispatch.emailFails = true
	_, _ = env.Engine.RecordActivity(env.Ctx, domain.ActivityHeartbeat, "cron", "")
	env.advance(10 * 24 * time.Hour)
	_ = env.Engine.Evaluate(env.Ctx)
	env.advance(48 * time.Hour)
	if err := env.Engine.Evaluate(env.Ctx); err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	env.Dispatch.emailFails = false
	if _, err := env.Engine.RetryFailedDeliveries(env.Ctx); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(env.Dispatch.releases) != 2 {
		t.Fatalf("release calls = %d, want 2", len(env.Dispatch.releases))
	}
	// The retried channel carries the code already in flight, not a second
	// simultaneously valid one.
	if first, second := env.Dispatch.releases[0].Code, env.Dispatch.releases[1].Code; first != second {
		t.Fatalf("retry minted a new access code (%q vs %q)", first, second)
	}
}

func TestDisarmAndRearm(t *testing.T) {
	env := newTestEnv(t)
	_, _ = env.Engine.RecordActivity(env.Ctx, domain.ActivityHeartbeat, "cron", "")
	if err := env.Engine.Disarm(env.Ctx); err != nil {
		t.Fatalf("disarm: %v", err)
	}
	env.mustState(t, domain.StateDisarmed)

	env.advance(60 * 24 * time.Hour)
	if err := env.Engine.Evaluate(env.Ctx); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(env.Dispatch.ownerCodes) != 0 {
		t.Fatal("disarmed system opened a verification window")
	}

	if err := env.Engine.Arm(env.Ctx); err != nil {
		t.Fatalf("arm: %v", err)
	}
	env.mustState(t, domain.StateIdle)
	// Re-arming seeds fresh activity so the countdown restarts from now.
	rep, err := env.Engine.Status(env.Ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if rep.DaysInactive != 0 || rep.DaysRemaining != 10 {
		t.Fatalf("status after arm = %+v", rep)
	}
}

func TestMonitorTicksImmediatelyAndStopsOnCancel(t *testing.T) {
	env := newTestEnv(t)
	m := engine.NewMonitor(env.Engine, zerolog.Nop())
	m.Interval = time.Hour

	ctx, cancel := context.WithCancel(env.Ctx)
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	// The first tick runs before the first interval elapses; on an empty
	// ledger that means the first-run seed appears promptly.
	deadline := time.After(5 * time.Second)
	for {
		events, err := env.Engine.Ledger.Recent(env.Ctx, 1)
		if err != nil {
			t.Fatalf("recent: %v", err)
		}
		if len(events) == 1 && events[0].Kind == domain.ActivityFirstRun {
			break
		}
		select {
		case <-deadline:
			t.Fatal("monitor never ran its first tick")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not stop on cancel")
	}
}

// Full walkthrough: ten quiet days open a 48 hour window, a code submitted
// inside the window resets everything, and a second lapse triggers again.
func TestFullLifecycle(t *testing.T) {
	env := newTestEnv(t)
	_, _ = env.Engine.RecordActivity(env.Ctx, domain.ActivityManualCheckin, "cli", "baseline")

	env.advance(10 * 24 * time.Hour)
	if err := env.Engine.Evaluate(env.Ctx); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	env.mustState(t, domain.StateAwaiting)

	st, _ := env.Engine.Repo.GetTriggerState(env.Ctx)
	if st.Deadline == nil {
		t.Fatal("awaiting state has no deadline")
	}
	deadline, err := time.Parse(time.RFC3339, *st.Deadline)
	if err != nil {
		t.Fatalf("parse deadline: %v", err)
	}
	if got := deadline.Sub(*env.clock); got != 48*time.Hour {
		t.Fatalf("verification window = %v, want 48h", got)
	}

	// Respond one hour before the deadline.
	env.advance(47 * time.Hour)
	res, err := env.Engine.SubmitResponse(env.Ctx, env.Dispatch.lastOwnerCode(t))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !res.Accepted {
		t.Fatalf("code rejected: %+v", res)
	}
	env.mustState(t, domain.StateIdle)

	// Silence again: the cycle repeats with a fresh code.
	env.advance(10 * 24 * time.Hour)
	if err := env.Engine.Evaluate(env.Ctx); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	env.mustState(t, domain.StateAwaiting)
	if len(env.Dispatch.ownerCodes) != 2 {
		t.Fatalf("owner notifications = %d, want 2", len(env.Dispatch.ownerCodes))
	}

	// This time nobody answers.
	env.advance(49 * time.Hour)
	if err := env.Engine.Evaluate(env.Ctx); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	env.mustState(t, domain.StateReleased)
	if len(env.Dispatch.releases) != 1 {
		t.Fatalf("release calls = %d, want 1", len(env.Dispatch.releases))
	}
}
