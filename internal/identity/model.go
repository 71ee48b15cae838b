package identity

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Session backs one issued session token so it can be revoked before it expires.
type Session struct {
	ID        string     `gorm:"column:id;primaryKey;size:36"`
	UserID    string     `gorm:"column:user_id;size:36;not null;index"`
	ExpiresAt time.Time  `gorm:"column:expires_at;not null"`
	RevokedAt *time.Time `gorm:"column:revoked_at"`
	CreatedAt time.Time  `gorm:"column:created_at;not null"`
}

// TableName exposes the sessions table.
func (Session) TableName() string {
	return "sessions"
}

// Active reports whether the session may still authenticate requests at now.
func (s Session) Active(now time.Time) bool {
	return s.RevokedAt == nil && s.ExpiresAt.After(now)
}

// Channel is how a one-time code reaches its user.
type Channel string

const (
	ChannelEmail     Channel = "email"
	ChannelSMS       Channel = "sms"
	ChannelMagicLink Channel = "magic_link"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	return c == ChannelEmail || c == ChannelSMS || c == ChannelMagicLink
}

// OTPCode is a hashed one-time code awaiting verification.
type OTPCode struct {
	ID          string     `gorm:"column:id;primaryKey;size:36"`
	UserID      string     `gorm:"column:user_id;size:36;not null;index"`
	Channel     Channel    `gorm:"column:channel;size:16;not null"`
	Destination string     `gorm:"column:destination;size:320;not null;index"`
	CodeHash    string     `gorm:"column:code_hash;size:64;not null;index"`
	ExpiresAt   time.Time  `gorm:"column:expires_at;not null"`
	ConsumedAt  *time.Time `gorm:"column:consumed_at"`
	CreatedAt   time.Time  `gorm:"column:created_at;not null"`
}

// TableName exposes the one-time code table.
func (OTPCode) TableName() string {
	return "otp_codes"
}

// OTPSender delivers a one-time code to its destination.
type OTPSender interface {
	Send(ctx context.Context, channel Channel, destination, code string) error
}

// LogSender writes one-time codes to the log. It stands in for email and SMS delivery.
type LogSender struct {
	Logger *zap.Logger
}

// Send logs the code at debug level.
func (s LogSender) Send(_ context.Context, channel Channel, destination, code string) error {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("one-time code issued",
		zap.String("channel", string(channel)),
		zap.String("destination", destination),
		zap.String("code", code))
	return nil
}
