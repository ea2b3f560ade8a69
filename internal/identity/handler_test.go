package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"

	"github.com/frahmantamala/identity-mesh/internal"
)

// stubService scripts the service layer so handler tests only exercise the
// HTTP mapping.
type stubService struct {
	session   *Session
	user      *User
	err       error
	lastEmail string
}

func (s *stubService) Login(_ context.Context, _ LoginDTO) (*Session, error) {
	return s.session, s.err
}
func (s *stubService) Signup(_ context.Context, _ SignupDTO) (*User, error) {
	return s.user, s.err
}
func (s *stubService) FederatedLogin(_ context.Context, _ FederatedProfile, _ string) (*Session, error) {
	return s.session, s.err
}
func (s *stubService) RequestPasswordReset(_ context.Context, email string) error {
	s.lastEmail = email
	return s.err
}
func (s *stubService) ResetPassword(_ context.Context, _ ResetPasswordDTO) error { return s.err }
func (s *stubService) VerifyEmail(_ context.Context, _ string) error             { return s.err }
func (s *stubService) VerifyToken(_ context.Context, _ string) (VerifyResult, error) {
	return VerifyResult{}, s.err
}
func (s *stubService) EnsureDefaultGrants(_ context.Context, _ int64, _ string) error { return s.err }
func (s *stubService) CurrentUser(_ context.Context, _ int64) (*User, error) {
	return s.user, s.err
}
func (s *stubService) DeleteAccount(_ context.Context, _ int64) error { return s.err }

var _ = ginkgo.Describe("Handler", func() {
	var (
		stub    *stubService
		handler *Handler
	)

	ginkgo.BeforeEach(func() {
		stub = &stubService{
			session: &Session{Token: "signed-token", Payload: TokenPayload{UserID: 7}},
			user:    &User{ID: 7, Email: "user@example.com"},
		}
		handler = NewHandler(stub, nil, "https://front.example.com")
	})

	post := func(fn http.HandlerFunc, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(body))
		rec := httptest.NewRecorder()
		fn(rec, req)
		return rec
	}

	get := func(fn http.HandlerFunc, target string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		rec := httptest.NewRecorder()
		fn(rec, req)
		return rec
	}

	ginkgo.Describe("Login", func() {
		ginkgo.It("answers the session for valid credentials", func() {
			rec := post(handler.Login, `{"email":"user@example.com","password":"pw"}`)

			gomega.Expect(rec.Code).To(gomega.Equal(http.StatusOK))
			gomega.Expect(rec.Body.String()).To(gomega.ContainSubstring("signed-token"))
		})

		ginkgo.It("maps the opaque credentials error to 401", func() {
			stub.err = internal.ErrInvalidCredentials

			rec := post(handler.Login, `{"email":"user@example.com","password":"pw"}`)
			gomega.Expect(rec.Code).To(gomega.Equal(http.StatusUnauthorized))
		})

		ginkgo.It("answers 400 for an unreadable body", func() {
			rec := post(handler.Login, `{nope`)
			gomega.Expect(rec.Code).To(gomega.Equal(http.StatusBadRequest))
		})
	})

	ginkgo.Describe("Signup", func() {
		ginkgo.It("answers 201 with the created user", func() {
			rec := post(handler.Signup, `{"email":"user@example.com","service_name":"convoc"}`)

			gomega.Expect(rec.Code).To(gomega.Equal(http.StatusCreated))
			gomega.Expect(rec.Body.String()).To(gomega.ContainSubstring("user@example.com"))
		})

		ginkgo.It("maps a conflict to 409", func() {
			stub.err = internal.ErrEmailTaken

			rec := post(handler.Signup, `{"email":"user@example.com","service_name":"convoc"}`)
			gomega.Expect(rec.Code).To(gomega.Equal(http.StatusConflict))
		})

		ginkgo.It("maps a validation error to 400", func() {
			stub.err = ValidationError{Msg: "service_name is required"}

			rec := post(handler.Signup, `{"email":"user@example.com"}`)
			gomega.Expect(rec.Code).To(gomega.Equal(http.StatusBadRequest))
		})
	})

	ginkgo.Describe("ForgetPassword", func() {
		ginkgo.It("answers success-shaped even for an unknown email", func() {
			stub.err = internal.ErrUserNotFound

			rec := get(handler.ForgetPassword, "/x?email=nobody@example.com")

			gomega.Expect(rec.Code).To(gomega.Equal(http.StatusOK))
			gomega.Expect(rec.Body.String()).To(gomega.MatchJSON(`{"status":"ok"}`))
			gomega.Expect(stub.lastEmail).To(gomega.Equal("nobody@example.com"))
		})

		ginkgo.It("requires the email parameter", func() {
			rec := get(handler.ForgetPassword, "/x")
			gomega.Expect(rec.Code).To(gomega.Equal(http.StatusBadRequest))
		})
	})

	ginkgo.Describe("ResetPassword", func() {
		ginkgo.It("answers 204 on success", func() {
			rec := post(handler.ResetPassword, `{"token":"t","new_password":"long-enough-pw"}`)
			gomega.Expect(rec.Code).To(gomega.Equal(http.StatusNoContent))
		})

		ginkgo.It("maps an unknown token to 404", func() {
			stub.err = internal.ErrResetTokenNotFound

			rec := post(handler.ResetPassword, `{"token":"t","new_password":"long-enough-pw"}`)
			gomega.Expect(rec.Code).To(gomega.Equal(http.StatusNotFound))
		})
	})

	ginkgo.Describe("VerifyEmail", func() {
		ginkgo.It("answers 204 on success", func() {
			rec := get(handler.VerifyEmail, "/x?token=abc")
			gomega.Expect(rec.Code).To(gomega.Equal(http.StatusNoContent))
		})

		ginkgo.It("requires the token parameter", func() {
			rec := get(handler.VerifyEmail, "/x")
			gomega.Expect(rec.Code).To(gomega.Equal(http.StatusBadRequest))
		})
	})

	ginkgo.Describe("GoogleAuth", func() {
		ginkgo.It("answers 503 when federation is not configured", func() {
			rec := get(handler.GoogleAuth, "/x?service_name=convoc")
			gomega.Expect(rec.Code).To(gomega.Equal(http.StatusServiceUnavailable))
		})
	})
})
