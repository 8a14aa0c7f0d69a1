// Package config carries the validated mesh configuration for one reconcile.
package config

import (
	"strings"

	"github.com/pkg/errors"
)

// Platforms istiod knows how to adjust itself for.  An empty platform means
// no platform specific tuning.
var knownPlatforms = map[string]struct{}{
	"":          {},
	"gke":       {},
	"openshift": {},
	"k3d":       {},
	"k3s":       {},
	"microk8s":  {},
	"minikube":  {},
}

// MeshConfig is the operator configuration.  It is constructed and validated
// once per reconcile and passed down explicitly, never cached globally.
type MeshConfig struct {
	Ambient                  bool
	Platform                 string
	AutoAllowWaypointPolicy  bool
	GlobalAllowNothingPolicy bool
}

// Validate ...
func (c *MeshConfig) Validate() error {
	p := strings.TrimSpace(c.Platform)
	if p != c.Platform {
		return errors.Errorf("platform %q must not contain leading or trailing spaces", c.Platform)
	}
	if _, ok := knownPlatforms[p]; !ok {
		return errors.Errorf("unknown platform %q", c.Platform)
	}
	return nil
}
