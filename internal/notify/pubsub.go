package notify

import (
	"context"
	"fmt"
	"strconv"

	"cloud.google.com/go/pubsub"
	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/autocompta/pkg/telemetry/correlation"
	"go.uber.org/zap"
)

// PubSubPublisher sends events as structured CloudEvents on a Pub/Sub topic.
type PubSubPublisher struct {
	topic  *pubsub.Topic
	source string
	log    *zap.Logger
}

func NewPubSubPublisher(client *pubsub.Client, topicID, source string, log *zap.Logger) *PubSubPublisher {
	return &PubSubPublisher{
		topic:  client.Topic(topicID),
		source: source,
		log:    log.Named("notify.pubsub"),
	}
}

func (p *PubSubPublisher) Publish(ctx context.Context, evt Event) error {
	ce, err := ToCloudEvent(p.source, evt)
	if err != nil {
		return err
	}
	data, err := ce.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal cloudevent: %w", err)
	}

	attrs := correlation.Attributes(ctx)
	attrs["ce-type"] = evt.Type
	attrs["tenant_id"] = strconv.FormatInt(evt.TenantID, 10)

	result := p.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
	id, err := result.Get(ctx)
	if err != nil {
		return fmt.Errorf("publish %s: %w", evt.Type, err)
	}
	p.log.Debug("published", zap.String("type", evt.Type), zap.String("message_id", id))
	return nil
}

func (p *PubSubPublisher) Stop() {
	p.topic.Stop()
}

// ToCloudEvent maps an Event to its CloudEvents envelope.
func ToCloudEvent(source string, evt Event) (cloudevents.Event, error) {
	ce := cloudevents.NewEvent()
	ce.SetID(ulid.Make().String())
	ce.SetSource(source)
	ce.SetType(evt.Type)
	ce.SetSubject(evt.Subject)
	if !evt.Time.IsZero() {
		ce.SetTime(evt.Time)
	}
	ce.SetExtension("tenantid", strconv.FormatInt(evt.TenantID, 10))
	if err := ce.SetData(cloudevents.ApplicationJSON, evt.Data); err != nil {
		return ce, fmt.Errorf("set cloudevent data: %w", err)
	}
	if err := ce.Validate(); err != nil {
		return ce, err
	}
	return ce, nil
}
