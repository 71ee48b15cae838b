package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/vault/internal/activity"
	"github.com/MarcoPoloResearchLab/vault/internal/apperrors"
	"github.com/MarcoPoloResearchLab/vault/internal/auth"
	"github.com/MarcoPoloResearchLab/vault/internal/cache"
	"github.com/MarcoPoloResearchLab/vault/internal/ids"
	"github.com/MarcoPoloResearchLab/vault/internal/invites"
	"github.com/MarcoPoloResearchLab/vault/internal/query"
	"github.com/MarcoPoloResearchLab/vault/internal/spaces"
	"github.com/MarcoPoloResearchLab/vault/internal/testsupport"
	"github.com/MarcoPoloResearchLab/vault/internal/users"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	testSecret       = "identity-test-secret"
	testIssuer       = "vault-api"
	testCookieName   = "vault_session"
	strongPassword   = "Sup3r$ecret"
	anotherPassword  = "An0ther$ecret"
	unknownMagicCode = "0000000000000000000000000000000000000000000000000000000000000000"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	return c.now
}

type sentCode struct {
	channel     Channel
	destination string
	code        string
}

type recordingSender struct {
	sent []sentCode
}

func (s *recordingSender) Send(_ context.Context, channel Channel, destination, code string) error {
	s.sent = append(s.sent, sentCode{channel: channel, destination: destination, code: code})
	return nil
}

func (s *recordingSender) last(t *testing.T) sentCode {
	t.Helper()
	if len(s.sent) == 0 {
		t.Fatalf("expected a code to be sent")
	}
	return s.sent[len(s.sent)-1]
}

type fixture struct {
	db      *gorm.DB
	service *Service
	invites *invites.Service
	sender  *recordingSender
	clock   *testClock
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := testsupport.OpenDB(t, &users.User{}, &spaces.Space{}, &invites.InviteCode{}, &Session{}, &OTPCode{}, &activity.Log{})
	clock := &testClock{now: time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)}
	manager, err := cache.NewManager(cache.Config{Backend: cache.NewMemoryBackend(clock.Now)})
	if err != nil {
		t.Fatalf("failed to construct cache: %v", err)
	}
	recorder, err := activity.NewRecorder(activity.Config{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to construct recorder: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db, Cache: manager, Activity: recorder, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to construct users: %v", err)
	}
	spaceService, err := spaces.NewService(spaces.ServiceConfig{
		Database:   db,
		Queries:    query.NewExecutor(manager, nil),
		IDProvider: ids.NewUUIDProvider(),
		Clock:      clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to construct spaces: %v", err)
	}
	inviteService, err := invites.NewService(invites.ServiceConfig{Database: db, IDProvider: ids.NewUUIDProvider(), Activity: recorder, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to construct invites: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSecret),
		Issuer:        testIssuer,
		CookieName:    testCookieName,
		Clock:         clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	sender := &recordingSender{}
	service, err := NewService(Config{
		Database:     db,
		Issuer:       auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(testSecret), Issuer: testIssuer, TokenTTL: time.Hour, Clock: clock.Now}),
		Validator:    validator,
		Users:        userService,
		Spaces:       spaceService,
		Invites:      inviteService,
		Sender:       sender,
		IDProvider:   ids.NewUUIDProvider(),
		Activity:     recorder,
		PasswordCost: bcrypt.MinCost,
		Clock:        clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to construct identity service: %v", err)
	}
	return fixture{db: db, service: service, invites: inviteService, sender: sender, clock: clock}
}

func (f fixture) mustSignUp(t *testing.T, email string) users.User {
	t.Helper()
	user, err := f.service.SignUp(context.Background(), SignUpInput{Email: email, Password: strongPassword})
	if err != nil {
		t.Fatalf("sign up of %s failed: %v", email, err)
	}
	return user
}

func requestWithCookie(token string) *http.Request {
	request := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	request.AddCookie(&http.Cookie{Name: testCookieName, Value: token})
	return request
}

func TestFirstSignUpBecomesApprovedAdmin(t *testing.T) {
	f := newFixture(t)
	first := f.mustSignUp(t, "Founder@Example.com")
	if first.Role != users.RoleAdmin || first.Status != users.StatusApproved {
		t.Fatalf("expected first user to be approved admin, got %s/%s", first.Role, first.Status)
	}
	if first.Email != "founder@example.com" {
		t.Fatalf("expected normalized email, got %s", first.Email)
	}
	second := f.mustSignUp(t, "member@example.com")
	if second.Role != users.RoleMember || second.Status != users.StatusPending {
		t.Fatalf("expected pending member, got %s/%s", second.Role, second.Status)
	}
	var personal int64
	f.db.Model(&spaces.Space{}).Where("type = ?", spaces.TypePersonal).Count(&personal)
	if personal != 2 {
		t.Fatalf("expected a personal space per user, got %d", personal)
	}
}

func TestSignUpRejectsWeakPasswordAndDuplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.service.SignUp(ctx, SignUpInput{Email: "a@example.com", Password: "password"})
	if validationErr := apperrors.As(err); validationErr.Kind != apperrors.KindValidation || len(validationErr.Fields["password"]) == 0 {
		t.Fatalf("expected password validation error, got %v", err)
	}
	f.mustSignUp(t, "a@example.com")
	if _, err := f.service.SignUp(ctx, SignUpInput{Email: "A@example.com", Password: strongPassword}); apperrors.KindOf(err) != apperrors.KindValidation {
		t.Fatalf("expected duplicate email rejection, got %v", err)
	}
}

func TestSignUpWithInviteRedeemsAtomically(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.mustSignUp(t, "admin@example.com")
	invite, err := f.invites.Generate(ctx, admin.Actor(), invites.GenerateInput{MaxUses: 1, ExpiresInDays: 7})
	if err != nil {
		t.Fatalf("failed to generate invite: %v", err)
	}

	invited, err := f.service.SignUpWithInvite(ctx, SignUpInput{Email: "guest@example.com", Password: strongPassword, InviteCode: invite.Code})
	if err != nil {
		t.Fatalf("invite sign up failed: %v", err)
	}
	if invited.InvitedBy == nil || *invited.InvitedBy != admin.ID || invited.Status != users.StatusPending {
		t.Fatalf("unexpected invited user %+v", invited)
	}

	_, err = f.service.SignUpWithInvite(ctx, SignUpInput{Email: "late@example.com", Password: strongPassword, InviteCode: invite.Code})
	if apperrors.KindOf(err) != apperrors.KindValidation {
		t.Fatalf("expected exhausted invite rejection, got %v", err)
	}
	var late int64
	f.db.Model(&users.User{}).Where("email = ?", "late@example.com").Count(&late)
	if late != 0 {
		t.Fatalf("expected rolled back user for exhausted invite")
	}
	var stored invites.InviteCode
	f.db.Where("id = ?", invite.ID).Take(&stored)
	if stored.CurrentUses != 1 || stored.UsedBy == nil || *stored.UsedBy != invited.ID {
		t.Fatalf("unexpected invite state %+v", stored)
	}
}

func TestPasswordSessionLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.mustSignUp(t, "owner@example.com")

	if _, err := f.service.SignInWithPassword(ctx, "owner@example.com", anotherPassword); apperrors.KindOf(err) != apperrors.KindAuthentication {
		t.Fatalf("expected authentication error for wrong password, got %v", err)
	}
	if _, err := f.service.SignInWithPassword(ctx, "nobody@example.com", strongPassword); apperrors.KindOf(err) != apperrors.KindAuthentication {
		t.Fatalf("expected authentication error for unknown email, got %v", err)
	}
	issued, err := f.service.SignInWithPassword(ctx, "OWNER@example.com", strongPassword)
	if err != nil {
		t.Fatalf("sign in failed: %v", err)
	}

	session, err := f.service.GetSession(requestWithCookie(issued.Token))
	if err != nil || session.UserID != user.ID || session.ID != issued.SessionID {
		t.Fatalf("unexpected session %+v (%v)", session, err)
	}
	profile, err := f.service.GetUser(requestWithCookie(issued.Token))
	if err != nil || profile.ID != user.ID {
		t.Fatalf("unexpected profile %+v (%v)", profile, err)
	}

	if err := f.service.SignOut(ctx, session); err != nil {
		t.Fatalf("sign out failed: %v", err)
	}
	if _, err := f.service.GetSession(requestWithCookie(issued.Token)); apperrors.KindOf(err) != apperrors.KindAuthentication {
		t.Fatalf("expected revoked session to be rejected, got %v", err)
	}
	if _, err := f.service.GetSession(httptest.NewRequest(http.MethodGet, "/", nil)); apperrors.KindOf(err) != apperrors.KindAuthentication {
		t.Fatalf("expected missing cookie to be rejected, got %v", err)
	}
}

func TestEmailOTPIsSingleUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.mustSignUp(t, "otp@example.com")

	if err := f.service.SignInWithOTP(ctx, ChannelEmail, "OTP@example.com"); err != nil {
		t.Fatalf("otp request failed: %v", err)
	}
	sent := f.sender.last(t)
	if len(sent.code) != 6 || sent.destination != "otp@example.com" {
		t.Fatalf("unexpected code delivery %+v", sent)
	}
	var stored OTPCode
	f.db.Take(&stored)
	if stored.CodeHash == sent.code || stored.CodeHash != hashCode(sent.code) {
		t.Fatalf("expected hashed code at rest")
	}

	issued, err := f.service.VerifyOTP(ctx, ChannelEmail, "otp@example.com", sent.code)
	if err != nil || issued.User.ID != user.ID {
		t.Fatalf("verification failed: %v", err)
	}
	if _, err := f.service.VerifyOTP(ctx, ChannelEmail, "otp@example.com", sent.code); apperrors.KindOf(err) != apperrors.KindAuthentication {
		t.Fatalf("expected reused code to be rejected, got %v", err)
	}
	var confirmed users.User
	f.db.Where("id = ?", user.ID).Take(&confirmed)
	if confirmed.EmailConfirmedAt == nil {
		t.Fatalf("expected email confirmation stamp")
	}
}

func TestOTPExpiresAndUnknownDestinationsAreSilent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mustSignUp(t, "slow@example.com")

	if err := f.service.SignInWithOTP(ctx, ChannelEmail, "ghost@example.com"); err != nil {
		t.Fatalf("unknown destination must not fail: %v", err)
	}
	if len(f.sender.sent) != 0 {
		t.Fatalf("expected no delivery to unknown destination")
	}
	if err := f.service.SignInWithOTP(ctx, ChannelEmail, "slow@example.com"); err != nil {
		t.Fatalf("otp request failed: %v", err)
	}
	f.clock.now = f.clock.now.Add(otpTTL + time.Second)
	if _, err := f.service.VerifyOTP(ctx, ChannelEmail, "slow@example.com", f.sender.last(t).code); apperrors.KindOf(err) != apperrors.KindAuthentication {
		t.Fatalf("expected expired code to be rejected, got %v", err)
	}
	if err := f.service.SignInWithOTP(ctx, "pigeon", "slow@example.com"); apperrors.KindOf(err) != apperrors.KindValidation {
		t.Fatalf("expected unknown channel rejection, got %v", err)
	}
}

func TestMagicLinkExchange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := f.mustSignUp(t, "link@example.com")

	if err := f.service.SignInWithOTP(ctx, ChannelMagicLink, "link@example.com"); err != nil {
		t.Fatalf("magic link request failed: %v", err)
	}
	code := f.sender.last(t).code
	if len(code) != magicLinkBytes*2 {
		t.Fatalf("unexpected magic link code length %d", len(code))
	}
	if _, err := f.service.ExchangeCodeForSession(ctx, unknownMagicCode); apperrors.KindOf(err) != apperrors.KindAuthentication {
		t.Fatalf("expected unknown code rejection, got %v", err)
	}
	issued, err := f.service.ExchangeCodeForSession(ctx, code)
	if err != nil || issued.User.ID != user.ID || issued.Token == "" {
		t.Fatalf("exchange failed: %+v (%v)", issued, err)
	}
	if _, err := f.service.VerifyOTP(ctx, ChannelMagicLink, "link@example.com", code); apperrors.KindOf(err) != apperrors.KindValidation {
		t.Fatalf("expected magic link codes to be refused by VerifyOTP, got %v", err)
	}
}

func TestGetSessionReportsStoreFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mustSignUp(t, "outage@example.com")
	issued, err := f.service.SignInWithPassword(ctx, "outage@example.com", strongPassword)
	if err != nil {
		t.Fatalf("sign in failed: %v", err)
	}
	sqlDB, err := f.db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	_ = sqlDB.Close()

	_, err = f.service.GetSession(requestWithCookie(issued.Token))
	if apperrors.KindOf(err) != apperrors.KindDatabase {
		t.Fatalf("expected database error, got %v", err)
	}
}
