package utils

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-resty/resty/v2"
)

// Event types published by the recorder
const (
	EventTypeMotionDetected     = "motion-detected"
	EventTypeIngestFailure      = "ingest-failure"
	EventTypeIngestStopped      = "ingest-stopped"
	EventTypeBackpressureChange = "backpressure-change"
	EventTypeRetentionDeletion  = "retention-deletion"
)

// Event a recorder event for downstream consumers
type Event struct {
	// Type event type
	Type string `json:"type" validate:"required"`
	// Timestamp when the event occurred
	Timestamp time.Time `json:"timestamp" validate:"required"`
	// TenantID owning tenant, if the event is tenant scoped
	TenantID string `json:"tenant_id,omitempty"`
	// ChannelID source channel, if the event is channel scoped
	ChannelID string `json:"channel_id,omitempty"`
	// RecordingID related recording, if any
	RecordingID string `json:"recording_id,omitempty"`
	// Detail free form event attributes
	Detail map[string]string `json:"detail,omitempty"`
}

// Broadcaster event broadcasting client
type Broadcaster interface {
	/*
		Broadcast broadcast an event

			@param ctxt context.Context - execution context
			@param event Event - event to broadcast
	*/
	Broadcast(ctxt context.Context, event Event) error
}

// =====================================================================================
// PubSub Event Broadcaster

// pubsubBroadcasterImpl implements Broadcaster
type pubsubBroadcasterImpl struct {
	goutils.Component
	psClient       goutils.PubSubClient
	broadcastTopic string
}

/*
NewPubSubBroadcaster define new PubSub event broadcast client

	@param psClient goutils.PubSubClient - PubSub client
	@param broadcastTopic string - event broadcast PubSub topic
	@returns new client
*/
func NewPubSubBroadcaster(
	psClient goutils.PubSubClient, broadcastTopic string,
) (Broadcaster, error) {
	return &pubsubBroadcasterImpl{
		Component: goutils.Component{
			LogTags: log.Fields{
				"module":          "utils",
				"component":       "pubsub-broadcaster",
				"broadcast-topic": broadcastTopic,
			},
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		}, psClient: psClient, broadcastTopic: broadcastTopic,
	}, nil
}

func (b *pubsubBroadcasterImpl) Broadcast(ctxt context.Context, event Event) error {
	payload, err := json.Marshal(&event)
	if err != nil {
		return err
	}
	_, err = b.psClient.Publish(ctxt, b.broadcastTopic, payload, nil, true)
	return err
}

// =====================================================================================
// Webhook Event Broadcaster

// webhookBroadcasterImpl implements Broadcaster against a HTTP webhook
type webhookBroadcasterImpl struct {
	goutils.Component
	receiverURI *url.URL
	client      *resty.Client
}

/*
NewWebhookBroadcaster define new webhook event broadcast client

	@param receiverURI *url.URL - the URL to deliver events to
	@param httpClient *resty.Client - HTTP client to use
	@returns new client
*/
func NewWebhookBroadcaster(
	receiverURI *url.URL, httpClient *resty.Client,
) (Broadcaster, error) {
	logTags := log.Fields{
		"module":    "utils",
		"component": "webhook-broadcaster",
		"receiver":  receiverURI.String(),
	}

	// The assumption is that the HTTP client has been prepared for operation

	return &webhookBroadcasterImpl{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		receiverURI: receiverURI,
		client:      httpClient,
	}, nil
}

func (b *webhookBroadcasterImpl) Broadcast(ctxt context.Context, event Event) error {
	logTags := b.GetLogTagsForContext(ctxt)

	resp, err := b.client.R().
		SetContext(ctxt).
		SetHeader("Content-Type", "application/json").
		SetBody(&event).
		SetError(goutils.RestAPIBaseResponse{}).
		Post(b.receiverURI.String())

	if err != nil {
		log.
			WithError(err).
			WithFields(logTags).
			WithField("event-type", event.Type).
			Debug("Event delivery failed on call")
		return err
	}

	if !resp.IsSuccess() {
		err := fmt.Errorf("status code %d", resp.StatusCode())
		log.
			WithError(err).
			WithFields(logTags).
			WithField("event-type", event.Type).
			Debug("Event delivery rejected")
		return err
	}

	log.
		WithFields(logTags).
		WithField("event-type", event.Type).
		Debug("Event delivered")

	return nil
}

// =====================================================================================
// Log-Only Event Broadcaster

// logBroadcasterImpl implements Broadcaster against the process log. Used
// when no event sink is configured.
type logBroadcasterImpl struct {
	goutils.Component
}

/*
NewLogBroadcaster define new log-only event broadcast client

	@returns new client
*/
func NewLogBroadcaster() (Broadcaster, error) {
	return &logBroadcasterImpl{
		Component: goutils.Component{
			LogTags: log.Fields{"module": "utils", "component": "log-broadcaster"},
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
	}, nil
}

func (b *logBroadcasterImpl) Broadcast(ctxt context.Context, event Event) error {
	logTags := b.GetLogTagsForContext(ctxt)
	log.
		WithFields(logTags).
		WithField("event-type", event.Type).
		WithField("tenant-id", event.TenantID).
		WithField("recording-id", event.RecordingID).
		Info("Event")
	return nil
}

// =====================================================================================
// Fan-Out Event Broadcaster

// fanoutBroadcasterImpl implements Broadcaster across multiple sinks
type fanoutBroadcasterImpl struct {
	goutils.Component
	sinks []Broadcaster
}

/*
NewFanoutBroadcaster define new fan-out event broadcast client. Delivery
failures on one sink do not stop the others; the first failure is returned.

	@param sinks []Broadcaster - downstream sinks
	@returns new client
*/
func NewFanoutBroadcaster(sinks []Broadcaster) (Broadcaster, error) {
	return &fanoutBroadcasterImpl{
		Component: goutils.Component{
			LogTags: log.Fields{"module": "utils", "component": "fanout-broadcaster"},
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		}, sinks: sinks,
	}, nil
}

func (b *fanoutBroadcasterImpl) Broadcast(ctxt context.Context, event Event) error {
	var firstErr error
	for _, sink := range b.sinks {
		if err := sink.Broadcast(ctxt, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
