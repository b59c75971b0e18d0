package cli

import (
	"testing"

	"github.com/smolin/medvault/internal/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAssignments(t *testing.T) {
	fields, err := parseAssignments([]string{
		"name=aspirin",
		"dose=100",
		"active=true",
		"notes=twice=daily",
		"prescriber=null",
	})
	require.NoError(t, err)

	name, _ := fields["name"].AsString()
	assert.Equal(t, "aspirin", name)

	dose, ok := fields["dose"].AsNumber()
	assert.True(t, ok)
	assert.Equal(t, 100.0, dose)

	active, ok := fields["active"].AsBool()
	assert.True(t, ok)
	assert.True(t, active)

	// only the first '=' separates name from value
	notes, _ := fields["notes"].AsString()
	assert.Equal(t, "twice=daily", notes)

	assert.True(t, fields["prescriber"].IsNull())
}

func TestParseAssignments_Malformed(t *testing.T) {
	_, err := parseAssignments([]string{"no-separator"})
	require.Error(t, err)

	_, err = parseAssignments([]string{"=value"})
	require.Error(t, err)
}

func TestParseAssignments_NumberlikeStringsStayNumbers(t *testing.T) {
	fields, err := parseAssignments([]string{"dose=2.5"})
	require.NoError(t, err)
	assert.Equal(t, record.Number(2.5), fields["dose"])
}
