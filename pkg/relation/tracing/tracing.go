// Package tracing implements the requirer side of the workload-tracing
// interface: a tracing backend publishes one receiver URL per protocol, the
// mesh operator picks the OTLP gRPC one and points Envoy's tracer at it.
package tracing

import (
	"net/url"

	"github.com/pkg/errors"

	"github.com/istio-ecosystem/istio-core-operator/pkg/relation"
)

// DefaultRelationName ...
const DefaultRelationName = "workload-tracing"

// ProtocolOTLPGRPC ...
const ProtocolOTLPGRPC = "otlp_grpc"

// Receiver is one ingestion endpoint of the tracing backend.
type Receiver struct {
	Protocol string `json:"protocol"`
	URL      string `json:"url"`
}

// AppData is the backend's published receiver set.
type AppData struct {
	Receivers []Receiver `json:"receivers"`
}

// Validate ...
func (d AppData) Validate() error {
	if len(d.Receivers) == 0 {
		return errors.New("receivers must not be empty")
	}
	for _, r := range d.Receivers {
		if r.Protocol == "" || r.URL == "" {
			return errors.New("every receiver needs a protocol and a url")
		}
	}
	return nil
}

// Requirer ...
type Requirer struct {
	channel *relation.Channel[AppData]
}

// NewRequirer ...
func NewRequirer(store relation.Store, relationName string) *Requirer {
	return &Requirer{channel: relation.NewChannel[AppData](store, relationName)}
}

// Endpoint returns the host and port of the receiver for the given protocol.
// Both are empty when no backend is related, no receiver matches, or the
// published data is invalid; tracing is then simply left unconfigured.
func (r *Requirer) Endpoint(protocol string) (host, port string, err error) {
	data, err := r.channel.GetData()
	if err != nil {
		if relation.IsValidationError(err) {
			return "", "", nil
		}
		return "", "", err
	}
	if data == nil {
		return "", "", nil
	}
	for _, receiver := range data.Receivers {
		if receiver.Protocol != protocol {
			continue
		}
		parsed, err := url.Parse("//" + receiver.URL)
		if err != nil {
			return "", "", errors.Wrapf(err, "parse %s receiver url %q", protocol, receiver.URL)
		}
		return parsed.Hostname(), parsed.Port(), nil
	}
	return "", "", nil
}
