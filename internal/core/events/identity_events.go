package events

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventTypeUserCreated            = "user.created"
	EventTypePasswordResetRequested = "password.reset.requested"
	EventTypePasswordResetCompleted = "password.reset.completed"
	EventTypeEmailVerified          = "email.verified"
)

// UserEmail is the projection shared by all outbound identity events; it is
// what the mail service needs and nothing more. The reset token rides along
// for out-of-band delivery, never for logging.
type UserEmail struct {
	UserID     int64  `json:"user_id"`
	Email      string `json:"email"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	ResetToken string `json:"reset_token,omitempty"`
}

type UserCreatedEvent struct {
	BaseEvent
	User UserEmail `json:"user"`
}

func NewUserCreatedEvent(user UserEmail) *UserCreatedEvent {
	return &UserCreatedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypeUserCreated,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"user_id": user.UserID,
				"email":   user.Email,
			},
		},
		User: user,
	}
}

type PasswordResetRequestedEvent struct {
	BaseEvent
	User UserEmail `json:"user"`
}

func NewPasswordResetRequestedEvent(user UserEmail) *PasswordResetRequestedEvent {
	return &PasswordResetRequestedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypePasswordResetRequested,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"user_id": user.UserID,
				"email":   user.Email,
			},
		},
		User: user,
	}
}

type PasswordResetCompletedEvent struct {
	BaseEvent
	User UserEmail `json:"user"`
}

func NewPasswordResetCompletedEvent(user UserEmail) *PasswordResetCompletedEvent {
	return &PasswordResetCompletedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypePasswordResetCompleted,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"user_id": user.UserID,
				"email":   user.Email,
			},
		},
		User: user,
	}
}

type EmailVerifiedEvent struct {
	BaseEvent
	User UserEmail `json:"user"`
}

func NewEmailVerifiedEvent(user UserEmail) *EmailVerifiedEvent {
	return &EmailVerifiedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypeEmailVerified,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"user_id": user.UserID,
				"email":   user.Email,
			},
		},
		User: user,
	}
}
