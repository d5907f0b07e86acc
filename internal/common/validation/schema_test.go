package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventValidator_Validate(t *testing.T) {
	v, err := NewEventValidator()
	require.NoError(t, err)

	tests := []struct {
		name      string
		eventType string
		input     map[string]interface{}
		valid     bool
		badField  string
	}{
		{
			name:      "registration with user",
			eventType: "user_registered",
			input:     map[string]interface{}{"eventType": "user_registered", "userId": "u-1"},
			valid:     true,
		},
		{
			name:      "registration without user",
			eventType: "user_registered",
			input:     map[string]interface{}{"eventType": "user_registered", "data": map[string]interface{}{}},
			badField:  "userId",
		},
		{
			name:      "registration with empty user",
			eventType: "user_registered",
			input:     map[string]interface{}{"eventType": "user_registered", "userId": ""},
			badField:  "userId",
		},
		{
			name:      "unexpected key",
			eventType: "user_registered",
			input:     map[string]interface{}{"eventType": "user_registered", "userId": "u-1", "email": "x@y.z"},
			badField:  "email",
		},
		{
			name:      "movie for everyone",
			eventType: "new_movie",
			input: map[string]interface{}{
				"eventType": "new_movie",
				"data":      map[string]interface{}{"title": "Dune", "rating": 8.1},
			},
			valid: true,
		},
		{
			name:      "movie title of wrong type",
			eventType: "new_movie",
			input: map[string]interface{}{
				"eventType": "new_movie",
				"data":      map[string]interface{}{"title": 42},
			},
			badField: "data.title",
		},
		{
			name:      "event type mismatch",
			eventType: "new_movie",
			input:     map[string]interface{}{"eventType": "user_registered"},
			badField:  "eventType",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := v.Validate(tt.eventType, tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.valid, res.Valid, res.GetErrorMessages())
			if tt.badField != "" {
				assert.True(t, res.HasErrors(tt.badField), res.GetErrorMessages())
			}
		})
	}
}

func TestEventValidator_Unknown(t *testing.T) {
	v, err := NewEventValidator()
	require.NoError(t, err)

	assert.False(t, v.Known("order_shipped"))
	assert.Equal(t, []string{"new_movie", "user_registered"}, v.EventTypes())

	_, err = v.Validate("order_shipped", map[string]interface{}{})
	assert.Error(t, err)
}

func TestFormatChecks(t *testing.T) {
	assert.True(t, ValidateEmail("anna@example.com"))
	assert.False(t, ValidateEmail("anna@"))

	assert.True(t, ValidatePhone("+447700900123"))
	assert.False(t, ValidatePhone("07700 900123"))

	assert.True(t, ValidateURL("https://example.com/m/1?x=2"))
	assert.False(t, ValidateURL("javascript:alert(1)"))
	assert.False(t, ValidateURL("/relative"))
}
