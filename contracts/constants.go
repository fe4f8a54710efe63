package contracts

// Delivery modes understood by the broker
const (
	DeliveryModeTransient  uint8 = 1
	DeliveryModePersistent uint8 = 2
)

const (
	// DefaultDeliveryMode is used when an endpoint does not configure one
	DefaultDeliveryMode = DeliveryModePersistent

	// DefaultContentType is the last fallback for replies without a content type
	DefaultContentType = "text/plain"

	// ActionHeader carries the protocol action of a request or reply
	ActionHeader = "SOAP_ACTION"

	// ConsistentHashExchange is the exchange type that routes on a hash of the routing key
	ConsistentHashExchange = "x-consistent-hash"
)
