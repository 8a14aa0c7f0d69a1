// Package istiometadata implements the istio-metadata interface: the mesh
// operator announces the namespace its control plane lives in, consumers read
// it to locate the mesh.
package istiometadata

import (
	"context"

	"github.com/pkg/errors"

	"github.com/istio-ecosystem/istio-core-operator/pkg/relation"
)

// DefaultRelationName ...
const DefaultRelationName = "istio-metadata"

// AppData is the single-sided schema of the istio-metadata interface.
type AppData struct {
	RootNamespace string `json:"root_namespace"`
}

// Validate ...
func (d AppData) Validate() error {
	if d.RootNamespace == "" {
		return errors.New("root_namespace must not be empty")
	}
	return nil
}

// Provider is the mesh operator's side.  Publish must only be called by the
// unit holding write authority.
type Provider struct {
	channel *relation.Channel[AppData]
}

// NewProvider ...
func NewProvider(store relation.Store, relationName string) *Provider {
	return &Provider{channel: relation.NewChannel[AppData](store, relationName)}
}

// Publish announces the control-plane namespace on every formed relation.
func (p *Provider) Publish(rootNamespace string) error {
	return p.channel.Publish(AppData{RootNamespace: rootNamespace})
}

// IsReady reports whether every related application sees the given namespace.
func (p *Provider) IsReady(rootNamespace string) bool {
	return p.channel.IsReady(AppData{RootNamespace: rootNamespace})
}

// Requirer is the consumer side.
type Requirer struct {
	channel *relation.Channel[AppData]
}

// NewRequirer ...
func NewRequirer(store relation.Store, relationName string) *Requirer {
	return &Requirer{channel: relation.NewChannel[AppData](store, relationName)}
}

// GetData returns the published metadata, nil when none is available.
func (r *Requirer) GetData() (*AppData, error) {
	return r.channel.GetData()
}

// Changes ...
func (r *Requirer) Changes(ctx context.Context) (<-chan struct{}, error) {
	return r.channel.Changes(ctx)
}
