package identity

import "strings"

// LoginDTO is the transport shape used by the HTTP handler to accept login
// requests. ServiceName is optional: when present the grant engine tops up
// the user's default grants for that service before the token is minted.
type LoginDTO struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	ServiceName string `json:"service_name,omitempty"`
}

type SignupDTO struct {
	Email       string  `json:"email"`
	Password    *string `json:"password,omitempty"`
	Username    *string `json:"username,omitempty"`
	FirstName   string  `json:"first_name,omitempty"`
	LastName    string  `json:"last_name,omitempty"`
	ServiceName string  `json:"service_name"`
}

type ResetPasswordDTO struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

// ValidationError represents a simple validation error from DTO validation.
type ValidationError struct {
	Msg string
}

func (v ValidationError) Error() string { return v.Msg }

func (d LoginDTO) Validate() error {
	if d.Email == "" {
		return ValidationError{Msg: "email is required"}
	}
	if d.Password == "" {
		return ValidationError{Msg: "password is required"}
	}
	return nil
}

func (d SignupDTO) Validate() error {
	if d.Email == "" {
		return ValidationError{Msg: "email is required"}
	}
	if !strings.Contains(d.Email, "@") {
		return ValidationError{Msg: "email is malformed"}
	}
	if d.ServiceName == "" {
		return ValidationError{Msg: "service_name is required"}
	}
	if d.Password != nil && len(*d.Password) < 8 {
		return ValidationError{Msg: "password must be at least 8 characters"}
	}
	return nil
}

func (d ResetPasswordDTO) Validate() error {
	if d.Token == "" {
		return ValidationError{Msg: "token is required"}
	}
	if len(d.NewPassword) < 8 {
		return ValidationError{Msg: "new_password must be at least 8 characters"}
	}
	return nil
}
