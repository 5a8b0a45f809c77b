// Package providers builds concrete broker providers from connection
// profiles.
package providers

import (
	"github.com/qvcloud/mqexplorer"
	"github.com/qvcloud/mqexplorer/providers/activemq"
	"github.com/qvcloud/mqexplorer/providers/ibmmq"
	"github.com/qvcloud/mqexplorer/providers/kafka"
	"github.com/qvcloud/mqexplorer/providers/rabbitmq"
	"github.com/qvcloud/mqexplorer/providers/servicebus"
	"github.com/qvcloud/mqexplorer/providers/sqs"
)

// New validates the profile and returns the adapter matching its
// provider type. The returned provider is disconnected; call Connect
// before using it.
func New(profile mqexplorer.ConnectionProfile, opts ...mqexplorer.Option) (mqexplorer.Provider, error) {
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	switch params := profile.Params.(type) {
	case mqexplorer.ActiveMQParams:
		return activemq.NewProvider(params, opts...)
	case mqexplorer.RabbitMQParams:
		return rabbitmq.NewProvider(params, opts...)
	case mqexplorer.KafkaParams:
		return kafka.NewProvider(params, opts...)
	case mqexplorer.IBMMQParams:
		return ibmmq.NewProvider(params, opts...)
	case mqexplorer.SQSParams:
		return sqs.NewProvider(params, opts...)
	case mqexplorer.ServiceBusParams:
		return servicebus.NewProvider(params, opts...)
	default:
		return nil, &mqexplorer.ValidationError{Field: "params", Reason: "unsupported provider type " + string(profile.Type)}
	}
}
