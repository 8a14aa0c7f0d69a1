// Package ingressconfig implements the istio-ingress-config interface.  An
// ingress operator (the provider) publishes its external-authorizer service
// name and port; the mesh operator (the requirer) answers each provider with
// a deterministically generated, per-provider extension-provider name.
package ingressconfig

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"github.com/pkg/errors"

	"github.com/istio-ecosystem/istio-core-operator/pkg/relation"
)

// DefaultRelationName ...
const DefaultRelationName = "istio-ingress-config"

// The storage substrate cannot always clear a databag once written, so
// "configuration removed" is represented by this fixed sentinel pair instead.
// Readers filter it through IsSentinel.
const (
	SentinelServiceName = "fake_host"
	SentinelPort        = "5432"
)

// ProviderData is published by the ingress operator.
type ProviderData struct {
	ExtAuthzServiceName string `json:"ext_authz_service_name"`
	ExtAuthzPort        string `json:"ext_authz_port"`
}

// Validate ...
func (d ProviderData) Validate() error {
	if d.ExtAuthzServiceName == "" {
		return errors.New("ext_authz_service_name must not be empty")
	}
	if d.ExtAuthzPort == "" {
		return errors.New("ext_authz_port must not be empty")
	}
	if _, err := strconv.Atoi(d.ExtAuthzPort); err != nil {
		return errors.Errorf("ext_authz_port must be convertible to an integer, got %q", d.ExtAuthzPort)
	}
	return nil
}

// IsSentinel reports whether the data is the tombstone standing in for
// "no external authorizer configured".
func (d ProviderData) IsSentinel() bool {
	return d.ExtAuthzServiceName == SentinelServiceName && d.ExtAuthzPort == SentinelPort
}

// RequirerData is published by the mesh operator, one payload per provider.
type RequirerData struct {
	ExtAuthzProviderName string `json:"ext_authz_provider_name"`
}

// Validate ...
func (d RequirerData) Validate() error {
	if d.ExtAuthzProviderName == "" {
		return errors.New("ext_authz_provider_name must not be empty")
	}
	return nil
}

// GenerateProviderName derives the extension-provider name for one ingress
// application from a stable hash of its authorizer endpoint, so the name
// changes iff the endpoint does.
func GenerateProviderName(ingressApp string, data ProviderData) string {
	sum := sha256.Sum256([]byte(data.ExtAuthzServiceName + ":" + data.ExtAuthzPort))
	return "ext_authz-" + ingressApp + "-" + hex.EncodeToString(sum[:])
}

// Requirer is the mesh operator's side: it reads each provider's authorizer
// endpoint and answers with a generated provider name.  The two directions
// use distinct schemas, so it carries two channels over the same relation.
type Requirer struct {
	providerData *relation.Channel[ProviderData]
	requirerData *relation.Channel[RequirerData]
}

// NewRequirer ...
func NewRequirer(store relation.Store, relationName string) *Requirer {
	return &Requirer{
		providerData: relation.NewChannel[ProviderData](store, relationName),
		requirerData: relation.NewChannel[RequirerData](store, relationName),
	}
}

// Relations ...
func (r *Requirer) Relations() ([]relation.Instance, error) {
	return r.providerData.Relations()
}

// ProviderInfo returns the authorizer endpoint published on one instance,
// nil when absent or invalid.
func (r *Requirer) ProviderInfo(id int) (*ProviderData, error) {
	data, err := r.providerData.DataFor(id)
	if err != nil {
		if relation.IsValidationError(err) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

// IsProviderReady reports whether one instance carries a usable (possibly
// sentinel) authorizer endpoint.
func (r *Requirer) IsProviderReady(id int) bool {
	data, err := r.ProviderInfo(id)
	return err == nil && data != nil
}

// PublishProviderName answers one provider with its generated name.  Callers
// gate on write authority.
func (r *Requirer) PublishProviderName(id int, name string) error {
	return r.requirerData.PublishTo(id, RequirerData{ExtAuthzProviderName: name})
}
