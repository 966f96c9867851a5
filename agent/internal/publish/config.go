package publish

import (
	"fmt"

	"github.com/dayofmonth/dayofmonth/agent/internal/config"
)

const defaultMQTTClientID = "dayofmonth-agent"

// Sinks builds one Sink per sink enabled in cfg, in a fixed order:
// mqtt, kafka, redis, amqp, s3.
func Sinks(cfg config.PublishConfig) ([]Sink, error) {
	var sinks []Sink

	if m := cfg.MQTT; m.Broker != "" {
		clientID := m.ClientID
		if clientID == "" {
			clientID = defaultMQTTClientID
		}
		sinks = append(sinks, NewMQTTSink(MQTTOptions{
			Broker:      m.Broker,
			ClientID:    clientID,
			Username:    m.Username,
			Password:    m.Password(),
			TopicPrefix: m.TopicPrefix,
			QoS:         m.QoS,
			Retain:      m.Retain,
		}))
	}

	if k := cfg.Kafka; len(k.Brokers) > 0 {
		sinks = append(sinks, NewKafkaSink(k.Brokers, k.Topic))
	}

	if r := cfg.Redis; r.Addr != "" {
		sinks = append(sinks, NewRedisSink(r.Addr, r.Password(), r.DB, r.KeyPrefix))
	}

	if a := cfg.AMQP; a.URLEnv != "" {
		url := a.URL()
		if url == "" {
			return nil, fmt.Errorf("publish: amqp: %s is not set", a.URLEnv)
		}
		sinks = append(sinks, NewAMQPSink(url, a.Exchange, a.RoutingKey))
	}

	if s := cfg.S3; s.Endpoint != "" {
		sink, err := NewS3Sink(S3Options{
			Endpoint:  s.Endpoint,
			AccessKey: s.AccessKey(),
			SecretKey: s.SecretKey(),
			Bucket:    s.Bucket,
			Prefix:    s.Prefix,
			UseSSL:    s.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	return sinks, nil
}
