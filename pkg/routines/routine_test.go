package routines

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSystemPromptWrapsPersonalisedText(t *testing.T) {
	r := &Routine{
		Username: "ada",
		Preferences: Preferences{
			PersonalisedPrompt: "Greet me as Ada and remind me about the standup.",
		},
	}

	prompt := r.SystemPrompt()
	assert.Contains(t, prompt, "wake-up call assistant")
	assert.Contains(t, prompt, "<PersonalisedPrompt> Greet me as Ada and remind me about the standup. </PersonalisedPrompt>")
}

func TestSystemPromptTrimsWhitespace(t *testing.T) {
	r := &Routine{Preferences: Preferences{PersonalisedPrompt: "  be gentle  "}}
	assert.Contains(t, r.SystemPrompt(), "<PersonalisedPrompt> be gentle </PersonalisedPrompt>")
}

func TestValidate(t *testing.T) {
	valid := Routine{
		Username:      "ada",
		PhoneNumber:   "+447700900123",
		ScheduledTime: "07:30",
	}

	tests := []struct {
		name    string
		mutate  func(*Routine)
		wantErr string
	}{
		{"valid", func(*Routine) {}, ""},
		{"no scheduled time is allowed", func(r *Routine) { r.ScheduledTime = "" }, ""},
		{"missing username", func(r *Routine) { r.Username = "" }, "username"},
		{"missing phone number", func(r *Routine) { r.PhoneNumber = "" }, "phoneNumber"},
		{"phone number without plus", func(r *Routine) { r.PhoneNumber = "07700900123" }, "E.164"},
		{"bad scheduled time", func(r *Routine) { r.ScheduledTime = "7:30am" }, "HH:MM"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := valid
			tc.mutate(&r)
			err := r.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

type fakeRow struct {
	values []any
	err    error
}

func (f fakeRow) Scan(dest ...any) error {
	if f.err != nil {
		return f.err
	}
	for i, d := range dest {
		switch v := d.(type) {
		case *string:
			*v = f.values[i].(string)
		case *bool:
			*v = f.values[i].(bool)
		case *[]byte:
			*v = f.values[i].([]byte)
		case *time.Time:
			*v = f.values[i].(time.Time)
		}
	}
	return nil
}

func TestScanRoutineDecodesPreferences(t *testing.T) {
	now := time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)
	prefs, err := json.Marshal(Preferences{
		TopicOfInterest:    "cycling",
		ToDos:              "water the plants",
		PersonalisedPrompt: "be brief",
	})
	require.NoError(t, err)

	r, err := scanRoutine(fakeRow{values: []any{
		"r-1", "u-1", "ada", "weekday wake-up", "07:30",
		true, "+447700900123", prefs, now, now,
	}})
	require.NoError(t, err)

	assert.Equal(t, "r-1", r.ID)
	assert.Equal(t, "ada", r.Username)
	assert.Equal(t, "07:30", r.ScheduledTime)
	assert.True(t, r.MonToFri)
	assert.Equal(t, "cycling", r.Preferences.TopicOfInterest)
	assert.Equal(t, "be brief", r.Preferences.PersonalisedPrompt)
}

func TestScanRoutineRejectsBadPreferences(t *testing.T) {
	now := time.Now()
	_, err := scanRoutine(fakeRow{values: []any{
		"r-1", "", "ada", "", "",
		false, "+447700900123", []byte("{"), now, now,
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "preferences")
}
