package httpapi

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlugPattern(t *testing.T) {
	valid := []string{"acme", "acme-co", "acme_co", "a1", "tenant-123"}
	for _, s := range valid {
		assert.True(t, slugPattern.MatchString(s), "expected %q to be valid", s)
	}

	invalid := []string{"", "-acme", "Acme", "acme co", "a", "acme!co"}
	for _, s := range invalid {
		assert.False(t, slugPattern.MatchString(s), "expected %q to be invalid", s)
	}
}
