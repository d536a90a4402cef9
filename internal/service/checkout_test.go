package service

import (
	"net/url"
	"testing"

	"course-service/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckoutURLForLiveVendor(t *testing.T) {
	l := NewCheckoutLinker("https://payments.example.com/v3/ke", "acme", "s3cret", "https://api.example.com/cb")
	p := &models.PaymentTransaction{
		ID:       uuid.MustParse("7f1c1c4e-1d53-4b7e-9b6a-0e5d8f0d2a11"),
		UserID:   uuid.New(),
		CourseID: uuid.New(),
		Amount:   decimal.RequireFromString("1500.75"),
		Currency: "KES",
	}

	u, err := url.Parse(l.URL(p, "ada@example.com"))
	require.NoError(t, err)
	assert.Equal(t, "payments.example.com", u.Host)

	q := u.Query()
	assert.Equal(t, "1", q.Get("live"))
	assert.Equal(t, "1500.75", q.Get("ttl"))
	assert.Equal(t, "acme", q.Get("vid"))
	assert.Equal(t, "KES", q.Get("curr"))
	assert.Equal(t, p.CourseID.String(), q.Get("p3"))
	assert.Equal(t, "https://api.example.com/cb", q.Get("cbk"))
	assert.Equal(t, l.sign(concatFields(q)), q.Get("hsh"))

	other := NewCheckoutLinker("https://payments.example.com/v3/ke", "acme", "different", "https://api.example.com/cb")
	assert.NotEqual(t, q.Get("hsh"), other.sign(concatFields(q)))
}

func concatFields(q url.Values) string {
	var s string
	for _, k := range checkoutFieldOrder {
		s += q.Get(k)
	}
	return s
}
