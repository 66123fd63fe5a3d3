package email

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveNameFromEmail(t *testing.T) {
	tests := []struct {
		email string
		first string
		last  string
	}{
		{"jane.doe@example.com", "Jane", "Doe"},
		{"jane_van-der.berg@example.com", "Jane", "Berg"},
		{"admin@example.com", "Admin", "User"},
		{"no-at-sign", "No", "Sign"},
		{"", "User", "User"},
	}
	for _, tc := range tests {
		first, last := DeriveNameFromEmail(tc.email)
		assert.Equal(t, tc.first, first, tc.email)
		assert.Equal(t, tc.last, last, tc.email)
	}
}
