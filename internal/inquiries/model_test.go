package inquiries

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func ptr(s string) *string { return &s }

func TestFormattedAddress(t *testing.T) {
	bd := &BusinessDetails{
		Address:    ptr("Hauptstrasse 5"),
		PostalCode: ptr("10115"),
		City:       ptr("Berlin"),
		State:      ptr("  "),
		Country:    ptr("Germany"),
	}
	assert.Equal(t, "Hauptstrasse 5\n10115 Berlin\nGermany", bd.FormattedAddress())

	assert.Equal(t, "Lyon", (&BusinessDetails{City: ptr("Lyon")}).FormattedAddress())
	assert.Equal(t, "", (&BusinessDetails{}).FormattedAddress())

	var missing *BusinessDetails
	assert.Equal(t, "", missing.FormattedAddress())
}
