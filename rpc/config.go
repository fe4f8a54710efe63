package rpc

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/glimte/rabbitrpc/contracts"
	"gopkg.in/yaml.v3"
)

// EndpointPrefix is the scheme every target address must carry
const EndpointPrefix = "rabbitmq:"

// Endpoint property keys
const (
	PropQueueName        = "rabbitmq.queue.name"
	PropRoutingKey       = "rabbitmq.queue.routing.key"
	PropExchangeName     = "rabbitmq.exchange.name"
	PropExchangeType     = "rabbitmq.exchange.type"
	PropReplyTo          = "rabbitmq.replyto.name"
	PropCorrelationID    = "rabbitmq.message.correlation.id"
	PropDeliveryMode     = "rabbitmq.queue.delivery.mode"
	PropReplyTimeout     = "rabbitmq.replyto.timeout"
	PropReplyContentType = "rabbitmq.replyto.content.type"
)

// DefaultReplyTimeout applies when an endpoint does not set rabbitmq.replyto.timeout
const DefaultReplyTimeout = 30 * time.Second

// Properties is the string-keyed property table describing one endpoint
type Properties map[string]string

// Get returns the trimmed value for key
func (p Properties) Get(key string) string {
	return strings.TrimSpace(p[key])
}

// Merge returns a copy of p overlaid with other
func (p Properties) Merge(other Properties) Properties {
	merged := make(Properties, len(p)+len(other))
	for k, v := range p {
		merged[k] = v
	}
	for k, v := range other {
		merged[k] = v
	}
	return merged
}

// EndpointConfig is the typed form of an endpoint's properties
type EndpointConfig struct {
	QueueName     string
	RoutingKey    string
	ExchangeName  string
	ExchangeType  string
	ReplyTo       string
	CorrelationID string
	DeliveryMode  uint8
	ReplyTimeout  time.Duration
	// ReplyContentType is used for replies that carry no content type
	ReplyContentType string
}

// NewEndpointConfig validates props and applies defaults
func NewEndpointConfig(props Properties) (*EndpointConfig, error) {
	cfg := &EndpointConfig{
		QueueName:        props.Get(PropQueueName),
		RoutingKey:       props.Get(PropRoutingKey),
		ExchangeName:     props.Get(PropExchangeName),
		ExchangeType:     props.Get(PropExchangeType),
		ReplyTo:          props.Get(PropReplyTo),
		CorrelationID:    props.Get(PropCorrelationID),
		DeliveryMode:     contracts.DefaultDeliveryMode,
		ReplyTimeout:     DefaultReplyTimeout,
		ReplyContentType: props.Get(PropReplyContentType),
	}

	if raw := props.Get(PropDeliveryMode); raw != "" {
		mode, err := strconv.ParseUint(raw, 10, 8)
		if err != nil {
			return nil, &ConfigurationError{Property: PropDeliveryMode, Value: raw, Err: err}
		}
		if uint8(mode) != contracts.DeliveryModeTransient && uint8(mode) != contracts.DeliveryModePersistent {
			return nil, &ConfigurationError{
				Property: PropDeliveryMode,
				Value:    raw,
				Err:      errors.New("delivery mode must be 1 (transient) or 2 (persistent)"),
			}
		}
		cfg.DeliveryMode = uint8(mode)
	}

	if raw := props.Get(PropReplyTimeout); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, &ConfigurationError{Property: PropReplyTimeout, Value: raw, Err: err}
		}
		if ms <= 0 {
			return nil, &ConfigurationError{
				Property: PropReplyTimeout,
				Value:    raw,
				Err:      errors.New("timeout must be a positive number of milliseconds"),
			}
		}
		cfg.ReplyTimeout = time.Duration(ms) * time.Millisecond
	}

	return cfg, nil
}

// IsConsistentHash reports whether the endpoint publishes to a consistent-hash exchange
func (c *EndpointConfig) IsConsistentHash() bool {
	return c.ExchangeType == contracts.ConsistentHashExchange
}

// Destination describes where requests go, for logs and span names
func (c *EndpointConfig) Destination() string {
	switch {
	case c.ExchangeName != "" && c.RoutingKey != "":
		return c.ExchangeName + "/" + c.RoutingKey
	case c.ExchangeName != "":
		return c.ExchangeName
	case c.QueueName != "":
		return c.QueueName
	default:
		return c.RoutingKey
	}
}

// ParseEndpoint parses a target address of the form
//
//	rabbitmq:/<name>?rabbitmq.queue.name=orders&rabbitmq.replyto.name=replies
//
// Query parameters become properties. The path names the queue when
// rabbitmq.queue.name is not given explicitly.
func ParseEndpoint(target string) (Properties, error) {
	if !strings.HasPrefix(target, EndpointPrefix) {
		return nil, &ConfigurationError{
			Property: "target",
			Value:    target,
			Err:      fmt.Errorf("invalid prefix for an AMQP endpoint, expected %q", EndpointPrefix),
		}
	}

	u, err := url.Parse(target)
	if err != nil {
		return nil, &ConfigurationError{Property: "target", Value: target, Err: err}
	}

	props := make(Properties)
	for key, values := range u.Query() {
		if len(values) > 0 {
			props[key] = values[len(values)-1]
		}
	}

	path := u.Path
	if path == "" {
		path = u.Opaque
	}
	if name := strings.Trim(path, "/"); name != "" && props.Get(PropQueueName) == "" {
		props[PropQueueName] = name
	}

	return props, nil
}

// LoadProperties reads a YAML mapping of endpoint properties. Scalar values of any
// YAML type are kept in their textual form.
func LoadProperties(path string) (Properties, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigurationError{Property: "file", Value: path, Err: err}
	}

	var raw map[string]yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ConfigurationError{Property: "file", Value: path, Err: err}
	}

	props := make(Properties, len(raw))
	for key, node := range raw {
		if node.Kind != yaml.ScalarNode {
			return nil, &ConfigurationError{
				Property: key,
				Value:    path,
				Err:      errors.New("property values must be scalars"),
			}
		}
		props[key] = node.Value
	}
	return props, nil
}
