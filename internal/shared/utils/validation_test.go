package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidatePrompt(t *testing.T) {
	tests := []struct {
		name    string
		prompt  string
		wantErr bool
	}{
		{"simple", "Show gravity", false},
		{"empty", "", true},
		{"whitespace only", "   \n\t", true},
		{"at limit", strings.Repeat("a", MaxPromptLength), false},
		{"over limit", strings.Repeat("a", MaxPromptLength+1), true},
		{"multibyte at limit", strings.Repeat("π", MaxPromptLength), false},
		{"null byte", "orbit\x00", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePrompt(tt.prompt)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateID(t *testing.T) {
	assert.NoError(t, ValidateID("ws_01J9Z3", "workspace_id", true))
	assert.Error(t, ValidateID("", "workspace_id", true))
	assert.NoError(t, ValidateID("", "workspace_id", false))
	assert.Error(t, ValidateID("../etc", "workspace_id", true))
}

func TestValidateToken(t *testing.T) {
	assert.NoError(t, ValidateToken("eyJhbGciOi.payload.sig", "access_token"))
	assert.Error(t, ValidateToken("", "access_token"))
	assert.Error(t, ValidateToken("two words", "access_token"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 5))
	assert.Equal(t, "ab...", Truncate("abcdef", 2))
	assert.Equal(t, "", Truncate("abc", 0))
	assert.Equal(t, "ππ...", Truncate("ππππ", 2))
}
