package models

import "strings"

type DestinationKind string

const (
	KindQueue DestinationKind = "QUEUE"
	KindDLQ   DestinationKind = "DLQ"
)

// Destination identifies an endpoint queue or its paired dead-letter queue.
// It is a value type and safe to use as a map key.
type Destination struct {
	Name              string          `json:"name"`
	Kind              DestinationKind `json:"kind"`
	RelatedEndpointID string          `json:"related_endpoint_id,omitempty"`
}

func (d Destination) IsDLQ() bool {
	return d.Kind == KindDLQ
}

// NamingConvention maps broker queue names onto Destinations.
// Endpoint queues are named QueuePrefix+endpointID, their DLQs DLQPrefix+QueuePrefix+endpointID.
type NamingConvention struct {
	QueuePrefix string
	DLQPrefix   string
}

// Classify returns the Destination for a broker queue name, or false when the
// queue does not belong to the application.
func (n NamingConvention) Classify(queueName string) (Destination, bool) {
	if n.DLQPrefix != "" && strings.HasPrefix(queueName, n.DLQPrefix) {
		rest := strings.TrimPrefix(queueName, n.DLQPrefix)
		if !strings.HasPrefix(rest, n.QueuePrefix) {
			return Destination{}, false
		}
		return Destination{
			Name:              queueName,
			Kind:              KindDLQ,
			RelatedEndpointID: strings.TrimPrefix(rest, n.QueuePrefix),
		}, true
	}
	if !strings.HasPrefix(queueName, n.QueuePrefix) {
		return Destination{}, false
	}
	return Destination{
		Name:              queueName,
		Kind:              KindQueue,
		RelatedEndpointID: strings.TrimPrefix(queueName, n.QueuePrefix),
	}, true
}

// QueueName returns the endpoint queue name for an endpoint id.
func (n NamingConvention) QueueName(endpointID string) string {
	return n.QueuePrefix + endpointID
}

// DLQName returns the dead-letter queue name paired with an endpoint id.
func (n NamingConvention) DLQName(endpointID string) string {
	return n.DLQPrefix + n.QueuePrefix + endpointID
}

// OriginOf returns the queue a DLQ's messages were dead-lettered from.
func (n NamingConvention) OriginOf(dlqName string) (string, bool) {
	if n.DLQPrefix == "" || !strings.HasPrefix(dlqName, n.DLQPrefix) {
		return "", false
	}
	return strings.TrimPrefix(dlqName, n.DLQPrefix), true
}
