package branch

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateName_AcceptsTypicalNames(t *testing.T) {
	for _, name := range []string{"training-run-1", "experiment.v2", "prod_agent_2024", "a"} {
		assert.NoError(t, ValidateName(name), name)
	}
}

func TestValidateName_RejectsEmpty(t *testing.T) {
	assert.Error(t, ValidateName(""))
}

func TestValidateName_RejectsTooLong(t *testing.T) {
	assert.Error(t, ValidateName(strings.Repeat("a", MaxNameLength+1)))
}

func TestValidateName_RejectsBadStart(t *testing.T) {
	assert.Error(t, ValidateName("-starts-with-dash"))
	assert.Error(t, ValidateName(".hidden"))
}

func TestValidateName_RejectsInvalidCharacters(t *testing.T) {
	assert.Error(t, ValidateName("has spaces"))
	assert.Error(t, ValidateName("has@special"))
	assert.Error(t, ValidateName("has/slash"))
}
