package dialer

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"

	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCallAPI struct {
	failures int
	calls    int
	params   *api.CreateCallParams
}

func (f *fakeCallAPI) CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error) {
	f.calls++
	f.params = params
	if f.calls <= f.failures {
		return nil, errors.New("upstream unavailable")
	}
	sid := "CA123"
	return &api.ApiV2010Call{Sid: &sid}, nil
}

func testDialer(apiClient callCreator) *Dialer {
	d := New(Config{
		AccountSID:    "AC000",
		AuthToken:     "secret",
		CallerID:      "+15550000001",
		PublicHost:    "relay.example.com",
		PlaceAttempts: 3,
		CallTimeLimit: 30 * time.Minute,
	}, nil)
	d.api = apiClient
	d.backoff = time.Millisecond
	return d
}

func TestPlaceCallSetsWebhookURLs(t *testing.T) {
	fake := &fakeCallAPI{}
	d := testDialer(fake)

	sid, err := d.PlaceCall(context.Background(), "+447700900123", "r-1")
	require.NoError(t, err)
	assert.Equal(t, "CA123", sid)

	require.NotNil(t, fake.params)
	require.NotNil(t, fake.params.Url)
	assert.Equal(t, "https://relay.example.com/api/calls/webhook/r-1", *fake.params.Url)
	require.NotNil(t, fake.params.StatusCallback)
	assert.Equal(t, "https://relay.example.com/api/calls/status", *fake.params.StatusCallback)
	require.NotNil(t, fake.params.TimeLimit)
	assert.Equal(t, 1800, *fake.params.TimeLimit)
}

func TestPlaceCallRetriesTransientFailures(t *testing.T) {
	fake := &fakeCallAPI{failures: 2}
	d := testDialer(fake)

	sid, err := d.PlaceCall(context.Background(), "+447700900123", "r-1")
	require.NoError(t, err)
	assert.Equal(t, "CA123", sid)
	assert.Equal(t, 3, fake.calls)
}

func TestPlaceCallGivesUpAfterAttempts(t *testing.T) {
	fake := &fakeCallAPI{failures: 10}
	d := testDialer(fake)

	_, err := d.PlaceCall(context.Background(), "+447700900123", "r-1")
	require.Error(t, err)
	assert.Equal(t, 3, fake.calls)
}

func TestStreamTwiMLConnectsMediaStream(t *testing.T) {
	d := testDialer(&fakeCallAPI{})

	doc, err := d.StreamTwiML("r-1")
	require.NoError(t, err)
	assert.Contains(t, doc, "wss://relay.example.com/ws/media-stream/r-1")
	assert.Contains(t, doc, `name="routineId"`)
	assert.Contains(t, doc, "<Connect>")
	assert.Contains(t, doc, "Connecting..")
}

// twilioSign reproduces the provider's webhook signature scheme: HMAC-SHA1
// over the full URL plus the sorted form parameters.
func twilioSign(authToken, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	payload := fullURL
	for _, k := range keys {
		payload += k + form.Get(k)
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestValidateWebhook(t *testing.T) {
	d := testDialer(&fakeCallAPI{})

	form := url.Values{}
	form.Set("CallSid", "CA123")
	form.Set("CallStatus", "completed")

	req := httptest.NewRequest("POST", "https://relay.example.com/api/calls/status",
		strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature",
		twilioSign("secret", "https://relay.example.com/api/calls/status", form))

	assert.True(t, d.ValidateWebhook(req))
}

func TestValidateWebhookRejectsBadSignature(t *testing.T) {
	d := testDialer(&fakeCallAPI{})

	req := httptest.NewRequest("POST", "https://relay.example.com/api/calls/status",
		strings.NewReader("CallSid=CA123"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", "not-a-signature")

	assert.False(t, d.ValidateWebhook(req))
}

func TestValidateWebhookRejectsMissingSignature(t *testing.T) {
	d := testDialer(&fakeCallAPI{})
	req := httptest.NewRequest("POST", "https://relay.example.com/api/calls/status", nil)
	assert.False(t, d.ValidateWebhook(req))
}

func TestValidateWebhookSkippable(t *testing.T) {
	d := New(Config{AuthToken: "secret", PublicHost: "relay.example.com", SkipValidation: true}, nil)
	req := httptest.NewRequest("POST", "https://relay.example.com/api/calls/status", nil)
	assert.True(t, d.ValidateWebhook(req))
}
