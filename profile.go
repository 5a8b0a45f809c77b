package mqexplorer

// ProviderType identifies one of the supported broker protocols.
type ProviderType string

const (
	ProviderActiveMQ   ProviderType = "activemq"
	ProviderRabbitMQ   ProviderType = "rabbitmq"
	ProviderKafka      ProviderType = "kafka"
	ProviderIBMMQ      ProviderType = "ibmmq"
	ProviderSQS        ProviderType = "sqs"
	ProviderServiceBus ProviderType = "servicebus"
)

// ConnectionParams is the per-provider variant of a connection profile.
// The variant tag must always match the profile's Type; adapters fail
// fast when handed the wrong variant.
type ConnectionParams interface {
	Type() ProviderType
	Validate() error
}

// ConnectionProfile describes one broker connection. It is created by
// the external profile-management collaborator and is immutable once
// passed to an adapter.
type ConnectionProfile struct {
	ID     string
	Name   string
	Type   ProviderType
	Params ConnectionParams
}

// Validate checks the tag/variant invariant and the variant's own fields.
func (p ConnectionProfile) Validate() error {
	if p.Params == nil {
		return &ValidationError{Field: "params", Reason: "missing"}
	}
	if p.Params.Type() != p.Type {
		return &ValidationError{
			Field:  "params",
			Reason: "variant " + string(p.Params.Type()) + " does not match provider type " + string(p.Type),
		}
	}
	return p.Params.Validate()
}

// ActiveMQParams configures a STOMP connection to an ActiveMQ broker.
type ActiveMQParams struct {
	Host     string
	Port     int
	Login    string
	Passcode string
	UseTLS   bool
	// ManagementDestination overrides the well-known destination the
	// management correlator sends requests to.
	ManagementDestination string
}

func (ActiveMQParams) Type() ProviderType { return ProviderActiveMQ }

func (p ActiveMQParams) Validate() error {
	if p.Host == "" {
		return &ValidationError{Field: "host", Reason: "required"}
	}
	if p.Port <= 0 || p.Port > 65535 {
		return &ValidationError{Field: "port", Reason: "out of range"}
	}
	return nil
}

// RabbitMQParams configures an AMQP 0-9-1 connection plus the management
// plugin endpoint used for listings and properties.
type RabbitMQParams struct {
	Host     string
	Port     int
	Username string
	Password string
	VHost    string
	// ManagementURL is the base URL of the management plugin,
	// e.g. http://host:15672. Listings need it; messaging does not.
	ManagementURL string
	UseTLS        bool
}

func (RabbitMQParams) Type() ProviderType { return ProviderRabbitMQ }

func (p RabbitMQParams) Validate() error {
	if p.Host == "" {
		return &ValidationError{Field: "host", Reason: "required"}
	}
	if p.Port <= 0 || p.Port > 65535 {
		return &ValidationError{Field: "port", Reason: "out of range"}
	}
	return nil
}

// KafkaParams configures a Kafka client.
type KafkaParams struct {
	Brokers  []string
	ClientID string
}

func (KafkaParams) Type() ProviderType { return ProviderKafka }

func (p KafkaParams) Validate() error {
	if len(p.Brokers) == 0 {
		return &ValidationError{Field: "brokers", Reason: "at least one broker address required"}
	}
	return nil
}

// IBMMQParams configures a client-mode connection to an IBM MQ queue
// manager.
type IBMMQParams struct {
	QueueManager string
	Channel      string
	Host         string
	Port         int
	Username     string
	Password     string
}

func (IBMMQParams) Type() ProviderType { return ProviderIBMMQ }

func (p IBMMQParams) Validate() error {
	if p.QueueManager == "" {
		return &ValidationError{Field: "queueManager", Reason: "required"}
	}
	if p.Channel == "" {
		return &ValidationError{Field: "channel", Reason: "required"}
	}
	if p.Host == "" {
		return &ValidationError{Field: "host", Reason: "required"}
	}
	if p.Port <= 0 || p.Port > 65535 {
		return &ValidationError{Field: "port", Reason: "out of range"}
	}
	return nil
}

// SQSParams configures an Amazon SQS client. When AccessKeyID is empty
// the default credential chain is used.
type SQSParams struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint overrides the service endpoint, for localstack-style
	// setups.
	Endpoint string
}

func (SQSParams) Type() ProviderType { return ProviderSQS }

func (p SQSParams) Validate() error {
	if p.Region == "" {
		return &ValidationError{Field: "region", Reason: "required"}
	}
	if (p.AccessKeyID == "") != (p.SecretAccessKey == "") {
		return &ValidationError{Field: "credentials", Reason: "access key id and secret must be set together"}
	}
	return nil
}

// ServiceBusParams configures an Azure Service Bus client, either via a
// connection string or via the fully qualified namespace with an AAD
// credential.
type ServiceBusParams struct {
	ConnectionString string
	// Namespace is the fully qualified namespace
	// (<name>.servicebus.windows.net), used with UseAzureIdentity.
	Namespace        string
	UseAzureIdentity bool
}

func (ServiceBusParams) Type() ProviderType { return ProviderServiceBus }

func (p ServiceBusParams) Validate() error {
	if p.UseAzureIdentity {
		if p.Namespace == "" {
			return &ValidationError{Field: "namespace", Reason: "required with azure identity"}
		}
		return nil
	}
	if p.ConnectionString == "" {
		return &ValidationError{Field: "connectionString", Reason: "required"}
	}
	return nil
}
