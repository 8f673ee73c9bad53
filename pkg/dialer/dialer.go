// Package dialer places outbound calls through the telephony provider and
// produces the TwiML that bridges an answered call into the media-stream
// relay.
package dialer

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"
)

type Config struct {
	AccountSID string
	AuthToken  string
	CallerID   string
	// PublicHost is the externally reachable host serving the webhook and
	// media-stream endpoints. Host only, no scheme.
	PublicHost string
	// PlaceAttempts caps how many times call placement is tried.
	PlaceAttempts int
	// CallTimeLimit is passed to the provider as the hard call ceiling.
	CallTimeLimit time.Duration
	// SkipValidation disables webhook signature checks. Local use only.
	SkipValidation bool
}

type callCreator interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
}

// Dialer wraps the provider REST client.
type Dialer struct {
	cfg       Config
	logger    *slog.Logger
	api       callCreator
	validator client.RequestValidator
	backoff   time.Duration
}

func New(cfg Config, logger *slog.Logger) *Dialer {
	if cfg.PlaceAttempts <= 0 {
		cfg.PlaceAttempts = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &Dialer{
		cfg:       cfg,
		logger:    logger,
		api:       rest.Api,
		validator: client.NewRequestValidator(cfg.AuthToken),
		backoff:   500 * time.Millisecond,
	}
}

// PlaceCall starts an outbound call to the routine's phone number. The
// provider fetches TwiML from the webhook URL once the callee answers.
// Transient placement failures are retried with exponential backoff.
func (d *Dialer) PlaceCall(ctx context.Context, toNumber, routineID string) (string, error) {
	params := &api.CreateCallParams{}
	params.SetTo(toNumber)
	params.SetFrom(d.cfg.CallerID)
	params.SetUrl(fmt.Sprintf("https://%s/api/calls/webhook/%s", d.cfg.PublicHost, routineID))
	params.SetStatusCallback(fmt.Sprintf("https://%s/api/calls/status", d.cfg.PublicHost))
	params.SetStatusCallbackEvent([]string{"initiated", "ringing", "answered", "completed"})
	if d.cfg.CallTimeLimit > 0 {
		params.SetTimeLimit(int(d.cfg.CallTimeLimit.Seconds()))
	}

	var sid string
	backoff := retry.WithMaxRetries(uint64(d.cfg.PlaceAttempts-1),
		retry.NewExponential(d.backoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		call, err := d.api.CreateCall(params)
		if err != nil {
			d.logger.Warn("call placement attempt failed", "routine_id", routineID, "error", err)
			return retry.RetryableError(err)
		}
		if call.Sid != nil {
			sid = *call.Sid
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("place call for routine %s: %w", routineID, err)
	}

	d.logger.Info("outbound call placed", "routine_id", routineID, "call_sid", sid)
	return sid, nil
}

// StreamTwiML renders the voice response that connects the answered call to
// the media-stream websocket for the given routine.
func (d *Dialer) StreamTwiML(routineID string) (string, error) {
	stream := &twiml.VoiceStream{
		Url: fmt.Sprintf("wss://%s/ws/media-stream/%s", d.cfg.PublicHost, routineID),
		InnerElements: []twiml.Element{
			&twiml.VoiceParameter{Name: "routineId", Value: routineID},
		},
	}
	connect := &twiml.VoiceConnect{InnerElements: []twiml.Element{stream}}
	say := &twiml.VoiceSay{Message: "Connecting.."}

	doc, err := twiml.Voice([]twiml.Element{say, connect})
	if err != nil {
		return "", fmt.Errorf("render stream twiml: %w", err)
	}
	return doc, nil
}

// ValidateWebhook checks the provider signature on an incoming webhook.
func (d *Dialer) ValidateWebhook(r *http.Request) bool {
	if d.cfg.SkipValidation {
		return true
	}
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" {
		return false
	}
	if err := r.ParseForm(); err != nil {
		return false
	}
	params := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	url := "https://" + d.cfg.PublicHost + r.URL.RequestURI()
	return d.validator.Validate(url, params, signature)
}
