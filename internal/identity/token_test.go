package identity

import (
	"time"

	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"

	"github.com/frahmantamala/identity-mesh/internal"
)

var _ = ginkgo.Describe("Codec", func() {
	var (
		codec *Codec
		user  *User
	)

	username := "jdoe"

	ginkgo.BeforeEach(func() {
		codec = NewCodec("unit-test-secret-unit-test-secret!!!", time.Hour)
		user = &User{
			ID:       42,
			Email:    "jdoe@example.com",
			Username: &username,
			Grants: []Grant{
				{
					Role:    Role{ID: 1, Name: RoleMember, Permissions: []string{"read", "create"}},
					Service: ServiceRef{ID: 10, Name: "convoc"},
				},
				{
					Role:    Role{ID: 2, Name: RoleAdmin, Permissions: []string{"read", "delete"}},
					Service: ServiceRef{ID: 11, Name: ServiceAuth},
				},
			},
		}
	})

	ginkgo.It("round-trips the payload through issue and decode", func() {
		token, payload, err := codec.Issue(user, "convoc")
		gomega.Expect(err).ToNot(gomega.HaveOccurred())

		decoded, _, err := codec.Decode(token)
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
		gomega.Expect(decoded).To(gomega.Equal(payload))
		gomega.Expect(decoded.UserID).To(gomega.Equal(int64(42)))
		gomega.Expect(decoded.CurrentService).To(gomega.Equal("convoc"))
	})

	ginkgo.It("stamps expiry exactly TTL after issuance", func() {
		issuedAt := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
		codec.now = func() time.Time { return issuedAt }

		token, _, err := codec.Issue(user, "")
		gomega.Expect(err).ToNot(gomega.HaveOccurred())

		_, exp, err := codec.Decode(token)
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
		gomega.Expect(exp.Unix()).To(gomega.Equal(issuedAt.Add(time.Hour).Unix()))
	})

	ginkgo.It("rejects a token past its expiry", func() {
		issuedAt := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
		codec.now = func() time.Time { return issuedAt }

		token, _, err := codec.Issue(user, "")
		gomega.Expect(err).ToNot(gomega.HaveOccurred())

		codec.now = func() time.Time { return issuedAt.Add(2 * time.Hour) }

		_, _, err = codec.Decode(token)
		gomega.Expect(err).To(gomega.MatchError(internal.ErrTokenExpired))
	})

	ginkgo.It("rejects a token signed with a different secret", func() {
		other := NewCodec("some-other-secret-some-other-secret!", time.Hour)
		token, _, err := other.Issue(user, "")
		gomega.Expect(err).ToNot(gomega.HaveOccurred())

		_, _, err = codec.Decode(token)
		gomega.Expect(err).To(gomega.MatchError(internal.ErrInvalidToken))
	})

	ginkgo.It("rejects a tampered token", func() {
		token, _, err := codec.Issue(user, "")
		gomega.Expect(err).ToNot(gomega.HaveOccurred())

		_, _, err = codec.Decode(token + "x")
		gomega.Expect(err).To(gomega.MatchError(internal.ErrInvalidToken))
	})

	ginkgo.Describe("payload extractors", func() {
		ginkgo.It("dedupes names across grants", func() {
			_, payload, err := codec.Issue(user, "")
			gomega.Expect(err).ToNot(gomega.HaveOccurred())

			gomega.Expect(payload.ServiceNames()).To(gomega.ConsistOf("convoc", ServiceAuth))
			gomega.Expect(payload.RoleNames()).To(gomega.ConsistOf(RoleMember, RoleAdmin))
			gomega.Expect(payload.PermissionNames()).To(gomega.ConsistOf("read", "create", "delete"))
		})
	})
})
