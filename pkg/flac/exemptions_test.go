package flac

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseExemptions(t *testing.T) {
	ex, err := ParseExemptions(" *=id ; hr_employees=id, employee_no,id ;")
	require.NoError(t, err)

	assert.Equal(t, []string{"id"}, ex.Fields("crm_accounts"))
	assert.Equal(t, []string{"id", "employee_no"}, ex.Fields("hr_employees"))
	assert.True(t, ex.IsExempt("hr_employees", "employee_no"))
	assert.False(t, ex.IsExempt("crm_accounts", "employee_no"))
	assert.Equal(t, "*=id;hr_employees=id,employee_no", ex.String())
}

func TestParseExemptions_Errors(t *testing.T) {
	for _, in := range []string{"id", "=id", "*=id;broken"} {
		_, err := ParseExemptions(in)
		assert.Error(t, err, in)
	}
}

func TestExemptions_Empty(t *testing.T) {
	ex, err := ParseExemptions("")
	require.NoError(t, err)
	assert.Empty(t, ex.Fields("crm_accounts"))

	var nilEx *Exemptions
	assert.False(t, nilEx.IsExempt("crm_accounts", "id"))
	assert.Equal(t, "", nilEx.String())
}
