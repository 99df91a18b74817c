package sanitize

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedact_AllPatternTypes(t *testing.T) {
	cases := map[string]struct {
		in   string
		want string
	}{
		"email": {
			in:   "contact carol@city.gov please",
			want: "contact [EMAIL] please",
		},
		"phone": {
			in:   "call (212) 555-0142 after noon",
			want: "call [PHONE] after noon",
		},
		"phone with country code": {
			in:   "my number is +1 415-555-0199",
			want: "my number is [PHONE]",
		},
		"ssn": {
			in:   "my ssn is 078-05-1120 unfortunately",
			want: "my ssn is [SSN] unfortunately",
		},
		"card": {
			in:   "charged to 4111 1111 1111 1111 by mistake",
			want: "charged to [CARD] by mistake",
		},
		"card beats phone": {
			// A separated card number must not be half-eaten by the phone
			// pattern.
			in:   "card 4111-1111-1111-1111 on file",
			want: "card [CARD] on file",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, Redact(tc.in))
		})
	}
}

func TestRedactTree_WalksNestedStructures(t *testing.T) {
	v := map[string]any{
		"quote": "email me at bob@example.com",
		"nested": []any{
			map[string]any{"text": "ssn 078-05-1120"},
			"plain string with (212) 555-0142",
		},
		"count": float64(3),
	}
	out := RedactTree(v).(map[string]any)

	assert.Equal(t, "email me at [EMAIL]", out["quote"])
	nested := out["nested"].([]any)
	assert.Equal(t, "ssn [SSN]", nested[0].(map[string]any)["text"])
	assert.Equal(t, "plain string with [PHONE]", nested[1])
	assert.Equal(t, float64(3), out["count"])
}

func TestRedactJSON(t *testing.T) {
	raw := json.RawMessage(`{"claims":[{"quote":"write to amy@example.org"}]}`)
	out, err := RedactJSON(raw)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "amy@example.org")
	assert.Contains(t, string(out), "[EMAIL]")

	_, err = RedactJSON(json.RawMessage(`{not json`))
	assert.Error(t, err)
}
