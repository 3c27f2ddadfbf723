package utils_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/vigilcam/vigil/utils"
)

func TestWebhookBroadcaster(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	httpClient := resty.New()
	httpmock.ActivateNonDefault(httpClient.GetClient())
	defer httpmock.DeactivateAndReset()

	receiverURI, err := url.Parse("http://events.internal/v1/recorder-events")
	assert.Nil(err)

	uut, err := utils.NewWebhookBroadcaster(receiverURI, httpClient)
	assert.Nil(err)

	testEvent := utils.Event{
		Type:        utils.EventTypeMotionDetected,
		Timestamp:   time.Now().UTC(),
		TenantID:    "tenant-0",
		ChannelID:   "cam-front-door",
		RecordingID: "cam-front-door_20260828_101500",
		Detail:      map[string]string{"motion_rate": "0.73"},
	}

	// Case 0: the receiver accepts the event
	{
		httpmock.RegisterResponder(
			"POST",
			receiverURI.String(),
			func(r *http.Request) (*http.Response, error) {
				var received utils.Event
				assert.Nil(json.NewDecoder(r.Body).Decode(&received))
				assert.Equal(testEvent.Type, received.Type)
				assert.Equal(testEvent.ChannelID, received.ChannelID)
				assert.Equal(testEvent.Detail, received.Detail)
				return httpmock.NewStringResponse(http.StatusOK, "{}"), nil
			},
		)
		assert.Nil(uut.Broadcast(utCtxt, testEvent))
	}

	// Case 1: the receiver rejects the event
	{
		httpmock.RegisterResponder(
			"POST",
			receiverURI.String(),
			httpmock.NewStringResponder(http.StatusServiceUnavailable, "{}"),
		)
		assert.NotNil(uut.Broadcast(utCtxt, testEvent))
	}
}
