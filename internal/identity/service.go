// Package identity signs users up and in, and resolves the session behind a request.
package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/vault/internal/activity"
	"github.com/MarcoPoloResearchLab/vault/internal/apperrors"
	"github.com/MarcoPoloResearchLab/vault/internal/auth"
	"github.com/MarcoPoloResearchLab/vault/internal/ids"
	"github.com/MarcoPoloResearchLab/vault/internal/invites"
	"github.com/MarcoPoloResearchLab/vault/internal/spaces"
	"github.com/MarcoPoloResearchLab/vault/internal/users"
	"github.com/MarcoPoloResearchLab/vault/internal/validation"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	opServiceNew = "identity.service.new"
	opSignUp     = "identity.sign_up"
	opSignIn     = "identity.sign_in"
	opOTP        = "identity.otp"
	opSession    = "identity.session"
	opSignOut    = "identity.sign_out"

	otpTTL         = 10 * time.Minute
	magicLinkBytes = 32
)

var (
	errMissingDatabase  = errors.New("identity: database connection required")
	errMissingIssuer    = errors.New("identity: token issuer required")
	errMissingValidator = errors.New("identity: session validator required")
	errMissingUsers     = errors.New("identity: user service required")
	errMissingSpaces    = errors.New("identity: space service required")
	errMissingInvites   = errors.New("identity: invite service required")

	// ErrInvalidCredentials hides whether the email or the password was wrong.
	ErrInvalidCredentials = apperrors.Authentication("Invalid email or password")
	// ErrInvalidCode covers unknown, expired and already used one-time codes.
	ErrInvalidCode = apperrors.Authentication("Invalid or expired code")
	// ErrNoSession is returned when a request carries no usable session.
	ErrNoSession = apperrors.Authentication("Authentication required")
	// ErrEmailTaken is returned when signing up with a registered email.
	ErrEmailTaken = apperrors.Validation("An account with this email already exists")
)

// Config describes the identity service dependencies.
type Config struct {
	Database     *gorm.DB
	Issuer       *auth.TokenIssuer
	Validator    *auth.SessionValidator
	Users        *users.Service
	Spaces       *spaces.Service
	Invites      *invites.Service
	Sender       OTPSender
	IDProvider   ids.Provider
	Activity     *activity.Recorder
	PasswordCost int
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Service is the identity and session store behind the auth pipeline.
type Service struct {
	db           *gorm.DB
	issuer       *auth.TokenIssuer
	validator    *auth.SessionValidator
	users        *users.Service
	spaces       *spaces.Service
	invites      *invites.Service
	sender       OTPSender
	ids          ids.Provider
	activity     *activity.Recorder
	passwordCost int
	now          func() time.Time
	logger       *zap.Logger
}

// NewService constructs the identity service.
func NewService(cfg Config) (*Service, error) {
	switch {
	case cfg.Database == nil:
		return nil, apperrors.NewServiceError(opServiceNew, "missing_database", errMissingDatabase)
	case cfg.Issuer == nil:
		return nil, apperrors.NewServiceError(opServiceNew, "missing_issuer", errMissingIssuer)
	case cfg.Validator == nil:
		return nil, apperrors.NewServiceError(opServiceNew, "missing_validator", errMissingValidator)
	case cfg.Users == nil:
		return nil, apperrors.NewServiceError(opServiceNew, "missing_users", errMissingUsers)
	case cfg.Spaces == nil:
		return nil, apperrors.NewServiceError(opServiceNew, "missing_spaces", errMissingSpaces)
	case cfg.Invites == nil:
		return nil, apperrors.NewServiceError(opServiceNew, "missing_invites", errMissingInvites)
	}
	provider := cfg.IDProvider
	if provider == nil {
		provider = ids.NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sender := cfg.Sender
	if sender == nil {
		sender = LogSender{Logger: logger}
	}
	cost := cfg.PasswordCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &Service{
		db:           cfg.Database,
		issuer:       cfg.Issuer,
		validator:    cfg.Validator,
		users:        cfg.Users,
		spaces:       cfg.Spaces,
		invites:      cfg.Invites,
		sender:       sender,
		ids:          provider,
		activity:     cfg.Activity,
		passwordCost: cost,
		now:          clock,
		logger:       logger,
	}, nil
}

// SignUpInput describes a new account.
type SignUpInput struct {
	Email       string `json:"email" validate:"required,email,max=320"`
	Password    string `json:"password" validate:"required,min=8,max=128"`
	DisplayName string `json:"fullName" validate:"omitempty,max=200"`
	InviteCode  string `json:"inviteCode" validate:"omitempty,max=32"`
}

// Issued is a freshly signed session.
type Issued struct {
	User      users.User
	SessionID string
	Token     string
	ExpiresAt time.Time
}

// SignUp registers a pending member. The very first account becomes an approved admin.
func (s *Service) SignUp(ctx context.Context, input SignUpInput) (users.User, error) {
	user, err := s.register(ctx, input, nil)
	if err != nil {
		return users.User{}, err
	}
	s.activity.Record(ctx, nil, activity.Entry{
		UserID:       user.ID,
		Action:       activity.ActionUserRegistered,
		ResourceType: "user",
		ResourceID:   user.ID,
		Details:      map[string]any{"role": user.Role, "status": user.Status},
	})
	return user, nil
}

// SignUpWithInvite registers a pending member and redeems the invite code in the same
// transaction; either both happen or neither does.
func (s *Service) SignUpWithInvite(ctx context.Context, input SignUpInput) (users.User, error) {
	if strings.TrimSpace(input.InviteCode) == "" {
		return users.User{}, apperrors.ValidationFields("Validation failed", map[string][]string{"inviteCode": {"is required"}})
	}
	var redeemed invites.InviteCode
	user, err := s.register(ctx, input, func(tx *gorm.DB, user *users.User) error {
		invite, err := s.invites.Redeem(ctx, tx, input.InviteCode, user.ID)
		if err != nil {
			return err
		}
		redeemed = invite
		user.InvitedBy = &invite.CreatedBy
		user.InviteCode = &invite.Code
		return nil
	})
	if err != nil {
		return users.User{}, err
	}
	s.activity.Record(ctx, nil, activity.Entry{
		UserID:       user.ID,
		Action:       activity.ActionUserRegistered,
		ResourceType: "user",
		ResourceID:   user.ID,
		Details:      map[string]any{"invited_by": redeemed.CreatedBy},
	})
	s.activity.Record(ctx, nil, activity.Entry{
		UserID:       user.ID,
		Action:       activity.ActionInviteCodeUsed,
		ResourceType: "invite_code",
		ResourceID:   redeemed.ID,
		Details:      map[string]any{"code": redeemed.Code, "current_uses": redeemed.CurrentUses},
	})
	return user, nil
}

func (s *Service) register(ctx context.Context, input SignUpInput, beforeCreate func(*gorm.DB, *users.User) error) (users.User, error) {
	email := users.NormalizeEmail(input.Email)
	if email == "" {
		return users.User{}, apperrors.ValidationFields("Validation failed", map[string][]string{"email": {"is required"}})
	}
	if !validation.StrongPassword(input.Password) {
		return users.User{}, apperrors.ValidationFields("Validation failed", map[string][]string{
			"password": {"must be at least 8 characters with upper and lower case letters, a digit and a special character"},
		})
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), s.passwordCost)
	if err != nil {
		s.logError(opSignUp, "hash_failed", err)
		return users.User{}, apperrors.Internal(apperrors.NewServiceError(opSignUp, "hash_failed", err))
	}
	id, err := s.ids.NewID()
	if err != nil {
		s.logError(opSignUp, "id_generation_failed", err)
		return users.User{}, apperrors.Internal(apperrors.NewServiceError(opSignUp, "id_generation_failed", err))
	}
	now := s.now().UTC()
	user := users.User{
		ID:           id,
		Email:        email,
		DisplayName:  validation.SanitizeString(input.DisplayName, 200),
		PasswordHash: string(hash),
		Role:         users.RoleMember,
		Status:       users.StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var taken int64
		if err := tx.Model(&users.User{}).Where("email = ?", email).Count(&taken).Error; err != nil {
			return err
		}
		if taken > 0 {
			return ErrEmailTaken
		}
		var existing int64
		if err := tx.Model(&users.User{}).Count(&existing).Error; err != nil {
			return err
		}
		if existing == 0 {
			user.Role = users.RoleAdmin
			user.Status = users.StatusApproved
		}
		if beforeCreate != nil {
			if err := beforeCreate(tx, &user); err != nil {
				return err
			}
		}
		if err := tx.Create(&user).Error; err != nil {
			return err
		}
		_, err := s.spaces.EnsurePersonal(ctx, tx, user.ID)
		return err
	})
	if err != nil {
		if apperrors.IsOperational(err) {
			return users.User{}, err
		}
		s.logError(opSignUp, "transaction_failed", err)
		return users.User{}, apperrors.Translate(err, "User")
	}
	return user, nil
}

// SignInWithPassword verifies credentials and issues a session.
func (s *Service) SignInWithPassword(ctx context.Context, email, password string) (Issued, error) {
	var user users.User
	err := s.db.WithContext(ctx).Where("email = ?", users.NormalizeEmail(email)).Take(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Issued{}, ErrInvalidCredentials
		}
		s.logError(opSignIn, "select_failed", err)
		return Issued{}, apperrors.Translate(err, "User")
	}
	if user.PasswordHash == "" || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return Issued{}, ErrInvalidCredentials
	}
	return s.issue(ctx, user, "password")
}

// SignInWithOTP sends a one-time code to destination. Email and SMS codes are six digits
// entered through VerifyOTP; magic-link codes are exchanged through ExchangeCodeForSession.
// Unknown destinations succeed silently.
func (s *Service) SignInWithOTP(ctx context.Context, channel Channel, destination string) error {
	if !channel.Valid() {
		return apperrors.ValidationFields("Validation failed", map[string][]string{"channel": {"must be one of: email, sms, magic_link"}})
	}
	destination = normalizeDestination(channel, destination)
	if destination == "" {
		return apperrors.ValidationFields("Validation failed", map[string][]string{"destination": {"is required"}})
	}
	user, found, err := s.findByDestination(ctx, channel, destination)
	if err != nil {
		return err
	}
	if !found {
		s.logger.Info("one-time code requested for unknown destination", zap.String("channel", string(channel)))
		return nil
	}

	code, err := newCode(channel)
	if err != nil {
		s.logError(opOTP, "code_generation_failed", err)
		return apperrors.Internal(apperrors.NewServiceError(opOTP, "code_generation_failed", err))
	}
	id, err := s.ids.NewID()
	if err != nil {
		s.logError(opOTP, "id_generation_failed", err)
		return apperrors.Internal(apperrors.NewServiceError(opOTP, "id_generation_failed", err))
	}
	now := s.now().UTC()
	record := OTPCode{
		ID:          id,
		UserID:      user.ID,
		Channel:     channel,
		Destination: destination,
		CodeHash:    hashCode(code),
		ExpiresAt:   now.Add(otpTTL),
		CreatedAt:   now,
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opOTP, "insert_failed", err)
		return apperrors.Database("Failed to issue code", apperrors.NewServiceError(opOTP, "insert_failed", err))
	}
	if err := s.sender.Send(ctx, channel, destination, code); err != nil {
		s.logError(opOTP, "delivery_failed", err, zap.String("channel", string(channel)))
		return apperrors.ExternalService("Code delivery", apperrors.NewServiceError(opOTP, "delivery_failed", err))
	}
	return nil
}

// VerifyOTP consumes a six digit email or SMS code and issues a session.
func (s *Service) VerifyOTP(ctx context.Context, channel Channel, destination, code string) (Issued, error) {
	if channel != ChannelEmail && channel != ChannelSMS {
		return Issued{}, apperrors.ValidationFields("Validation failed", map[string][]string{"type": {"must be one of: email, sms"}})
	}
	destination = normalizeDestination(channel, destination)
	return s.consume(ctx, channel, func(query *gorm.DB) *gorm.DB {
		return query.Where("destination = ?", destination)
	}, code)
}

// ExchangeCodeForSession consumes a magic-link code and issues a session.
func (s *Service) ExchangeCodeForSession(ctx context.Context, code string) (Issued, error) {
	return s.consume(ctx, ChannelMagicLink, func(query *gorm.DB) *gorm.DB { return query }, code)
}

func (s *Service) consume(ctx context.Context, channel Channel, scope func(*gorm.DB) *gorm.DB, code string) (Issued, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Issued{}, ErrInvalidCode
	}
	now := s.now().UTC()
	var record OTPCode
	err := scope(s.db.WithContext(ctx)).
		Where("channel = ? AND code_hash = ? AND consumed_at IS NULL AND expires_at > ?", channel, hashCode(code), now).
		Order("created_at DESC").
		Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Issued{}, ErrInvalidCode
		}
		s.logError(opOTP, "select_failed", err)
		return Issued{}, apperrors.Translate(err, "Code")
	}
	result := s.db.WithContext(ctx).Model(&OTPCode{}).
		Where("id = ? AND consumed_at IS NULL", record.ID).
		Update("consumed_at", now)
	if result.Error != nil {
		s.logError(opOTP, "consume_failed", result.Error)
		return Issued{}, apperrors.Database("Failed to verify code", apperrors.NewServiceError(opOTP, "consume_failed", result.Error))
	}
	if result.RowsAffected == 0 {
		return Issued{}, ErrInvalidCode
	}
	if channel != ChannelSMS {
		err := s.db.WithContext(ctx).Model(&users.User{}).
			Where("id = ? AND email_confirmed_at IS NULL", record.UserID).
			Update("email_confirmed_at", now).Error
		if err != nil {
			s.logger.Warn("email confirmation stamp failed", zap.String("user_id", record.UserID), zap.Error(err))
		}
	}
	var user users.User
	if err := s.db.WithContext(ctx).Where("id = ?", record.UserID).Take(&user).Error; err != nil {
		return Issued{}, apperrors.Translate(err, "User")
	}
	return s.issue(ctx, user, string(channel))
}

func (s *Service) issue(ctx context.Context, user users.User, method string) (Issued, error) {
	sessionID, err := s.ids.NewID()
	if err != nil {
		s.logError(opSession, "id_generation_failed", err)
		return Issued{}, apperrors.Internal(apperrors.NewServiceError(opSession, "id_generation_failed", err))
	}
	token, expiresAt, err := s.issuer.IssueSessionToken(ctx, auth.SessionSubject{
		SessionID:   sessionID,
		UserID:      user.ID,
		Email:       user.Email,
		DisplayName: user.DisplayName,
		Role:        string(user.Role),
	})
	if err != nil {
		s.logError(opSession, "token_failed", err, zap.String("user_id", user.ID))
		return Issued{}, apperrors.Internal(apperrors.NewServiceError(opSession, "token_failed", err))
	}
	session := Session{ID: sessionID, UserID: user.ID, ExpiresAt: expiresAt, CreatedAt: s.now().UTC()}
	if err := s.db.WithContext(ctx).Create(&session).Error; err != nil {
		s.logError(opSession, "insert_failed", err, zap.String("user_id", user.ID))
		return Issued{}, apperrors.Database("Failed to create session", apperrors.NewServiceError(opSession, "insert_failed", err))
	}
	s.activity.Record(ctx, nil, activity.Entry{
		UserID:       user.ID,
		Action:       activity.ActionUserLogin,
		ResourceType: "user",
		ResourceID:   user.ID,
		Details:      map[string]any{"method": method},
	})
	return Issued{User: user, SessionID: sessionID, Token: token, ExpiresAt: expiresAt}, nil
}

// CookieName is the cookie carrying the session token.
func (s *Service) CookieName() string {
	return s.validator.CookieName()
}

// GetSession resolves the live session behind the request cookie.
func (s *Service) GetSession(r *http.Request) (Session, error) {
	claims, err := s.validator.ValidateRequest(r)
	if err != nil {
		return Session{}, ErrNoSession
	}
	var session Session
	err = s.db.WithContext(r.Context()).Where("id = ?", claims.SessionID()).Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Session{}, ErrNoSession
	}
	if err != nil {
		s.logError(opSession, "select_failed", err)
		return Session{}, apperrors.Database("Failed to load session", apperrors.NewServiceError(opSession, "select_failed", err))
	}
	if session.UserID != claims.UserID || !session.Active(s.now().UTC()) {
		return Session{}, ErrNoSession
	}
	return session, nil
}

// GetUser resolves the profile of the request's session owner.
func (s *Service) GetUser(r *http.Request) (users.User, error) {
	session, err := s.GetSession(r)
	if err != nil {
		return users.User{}, err
	}
	user, err := s.users.Profile(r.Context(), session.UserID)
	if apperrors.KindOf(err) == apperrors.KindNotFound {
		return users.User{}, ErrNoSession
	}
	return user, err
}

// SignOut revokes a session. Revoking an already revoked session is a no-op.
func (s *Service) SignOut(ctx context.Context, session Session) error {
	err := s.db.WithContext(ctx).Model(&Session{}).
		Where("id = ? AND revoked_at IS NULL", session.ID).
		Update("revoked_at", s.now().UTC()).Error
	if err != nil {
		s.logError(opSignOut, "update_failed", err, zap.String("session_id", session.ID))
		return apperrors.Database("Failed to sign out", apperrors.NewServiceError(opSignOut, "update_failed", err))
	}
	s.activity.Record(ctx, nil, activity.Entry{
		UserID:       session.UserID,
		Action:       activity.ActionUserLogout,
		ResourceType: "user",
		ResourceID:   session.UserID,
	})
	return nil
}

func (s *Service) findByDestination(ctx context.Context, channel Channel, destination string) (users.User, bool, error) {
	column := "email"
	if channel == ChannelSMS {
		column = "phone"
	}
	var user users.User
	err := s.db.WithContext(ctx).Where(column+" = ?", destination).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return users.User{}, false, nil
	}
	if err != nil {
		s.logError(opOTP, "select_failed", err)
		return users.User{}, false, apperrors.Translate(err, "User")
	}
	return user, true, nil
}

func normalizeDestination(channel Channel, destination string) string {
	if channel == ChannelSMS {
		return strings.TrimSpace(destination)
	}
	return users.NormalizeEmail(destination)
}

func newCode(channel Channel) (string, error) {
	if channel == ChannelMagicLink {
		raw := make([]byte, magicLinkBytes)
		if _, err := rand.Read(raw); err != nil {
			return "", err
		}
		return hex.EncodeToString(raw), nil
	}
	value, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", value.Int64()), nil
}

func hashCode(code string) string {
	digest := sha256.Sum256([]byte(strings.TrimSpace(code)))
	return hex.EncodeToString(digest[:])
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	s.logger.Error("identity service failure", allFields...)
}
