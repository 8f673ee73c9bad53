// Package routines stores wake-up call routines and builds the per-call
// system prompt from them.
package routines

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Preferences is the personalisation block of a routine.
type Preferences struct {
	TopicOfInterest    string `json:"topicOfInterest"`
	ToDos              string `json:"toDos"`
	PersonalisedPrompt string `json:"personalisedPrompt"`
}

// Routine is one scheduled wake-up call.
type Routine struct {
	ID            string      `json:"id"`
	UserProfileID string      `json:"userProfileId"`
	Username      string      `json:"username"`
	Name          string      `json:"name"`
	ScheduledTime string      `json:"scheduledTime"`
	MonToFri      bool        `json:"monToFri"`
	PhoneNumber   string      `json:"phoneNumber"`
	Preferences   Preferences `json:"preferences"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

const promptPreamble = `You are wake-up call assistant. Your instructions are specified between markup <PersonalisedPrompt></PersonalisedPrompt>.
Follow the instructions in the conversation you have with the user.`

// SystemPrompt builds the system message for the AI session. The
// personalised text is fenced in markup so the model treats it as
// instructions rather than conversation.
func (r *Routine) SystemPrompt() string {
	return fmt.Sprintf("%s\n\n<PersonalisedPrompt> %s </PersonalisedPrompt>",
		promptPreamble, strings.TrimSpace(r.Preferences.PersonalisedPrompt))
}

// Validate checks the fields a caller must supply.
func (r *Routine) Validate() error {
	if strings.TrimSpace(r.Username) == "" {
		return errors.New("username is required")
	}
	if strings.TrimSpace(r.PhoneNumber) == "" {
		return errors.New("phoneNumber is required")
	}
	if !strings.HasPrefix(r.PhoneNumber, "+") {
		return errors.New("phoneNumber must be in E.164 form")
	}
	if r.ScheduledTime != "" {
		if _, err := time.Parse("15:04", r.ScheduledTime); err != nil {
			return fmt.Errorf("scheduledTime must be HH:MM: %w", err)
		}
	}
	return nil
}
