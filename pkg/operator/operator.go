/*
Copyright 2024 The istio-ecosystem authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package operator implements the control loop that converges the Istio
// control plane, its CRDs and its mesh-wide policies to the declared
// configuration and the current relation data.
package operator

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/istio-ecosystem/istio-core-operator/pkg/config"
	"github.com/istio-ecosystem/istio-core-operator/pkg/debounce"
	"github.com/istio-ecosystem/istio-core-operator/pkg/istioctl"
	"github.com/istio-ecosystem/istio-core-operator/pkg/kube"
	"github.com/istio-ecosystem/istio-core-operator/pkg/leadership"
	"github.com/istio-ecosystem/istio-core-operator/pkg/metrics"
	"github.com/istio-ecosystem/istio-core-operator/pkg/option"
	"github.com/istio-ecosystem/istio-core-operator/pkg/relation"
	"github.com/istio-ecosystem/istio-core-operator/pkg/relation/ingressconfig"
	"github.com/istio-ecosystem/istio-core-operator/pkg/relation/istiometadata"
	"github.com/istio-ecosystem/istio-core-operator/pkg/relation/tracing"
)

// Reconcile scopes.  Each scope owns a disjoint labelled resource set.
const (
	ScopeControlPlane        = "control-plane"
	ScopeIstioCRDs           = "istio-crds"
	ScopeGatewayAPICRDs      = "gateway-apis-crds"
	ScopeAuthorizationPolicy = "istio-authorization-policy"
)

var (
	controlPlaneComponents = []string{"pilot", "cni", "ztunnel"}
	istioCRDsComponents    = []string{"base"}
)

var (
	gvkCRD = schema.GroupVersionKind{Group: "apiextensions.k8s.io", Version: "v1", Kind: "CustomResourceDefinition"}

	gvkAuthorizationPolicy = schema.GroupVersionKind{Group: "security.istio.io", Version: "v1", Kind: "AuthorizationPolicy"}

	controlPlaneTypes = []schema.GroupVersionKind{
		{Group: "rbac.authorization.k8s.io", Version: "v1", Kind: "ClusterRole"},
		{Group: "rbac.authorization.k8s.io", Version: "v1", Kind: "ClusterRoleBinding"},
		{Group: "", Version: "v1", Kind: "ConfigMap"},
		{Group: "apps", Version: "v1", Kind: "DaemonSet"},
		{Group: "apps", Version: "v1", Kind: "Deployment"},
		{Group: "autoscaling", Version: "v2", Kind: "HorizontalPodAutoscaler"},
		{Group: "admissionregistration.k8s.io", Version: "v1", Kind: "MutatingWebhookConfiguration"},
		{Group: "policy", Version: "v1", Kind: "PodDisruptionBudget"},
		{Group: "rbac.authorization.k8s.io", Version: "v1", Kind: "Role"},
		{Group: "rbac.authorization.k8s.io", Version: "v1", Kind: "RoleBinding"},
		{Group: "", Version: "v1", Kind: "Service"},
		{Group: "", Version: "v1", Kind: "ServiceAccount"},
		{Group: "admissionregistration.k8s.io", Version: "v1", Kind: "ValidatingWebhookConfiguration"},
	}
	istioCRDsTypes      = []schema.GroupVersionKind{gvkCRD}
	gatewayAPICRDsTypes = []schema.GroupVersionKind{gvkCRD}
	authorizationTypes  = []schema.GroupVersionKind{gvkAuthorizationPolicy}
)

// Event identifies why a reconcile was triggered.
type Event int

// Events the control loop reacts to.
const (
	EventStart Event = iota
	EventConfigChanged
	EventRelationChanged
	EventLeadershipChanged
	EventScaleChanged
	EventResync
	EventRemove
)

func (e Event) String() string {
	switch e {
	case EventStart:
		return "start"
	case EventConfigChanged:
		return "config-changed"
	case EventRelationChanged:
		return "relation-changed"
	case EventLeadershipChanged:
		return "leadership-changed"
	case EventScaleChanged:
		return "scale-changed"
	case EventResync:
		return "resync"
	case EventRemove:
		return "remove"
	}
	return "unknown"
}

// Istio is the surface the control loop needs from the installer tool.
type Istio interface {
	ManifestGenerate(components []string, overrides []*unstructured.Unstructured) (string, error)
}

// Operator is the reconcile engine.  All collaborators are handed in
// explicitly; it holds no lazily constructed globals.
type Operator struct {
	opt       *option.OperatorOption
	namespace string

	client     client.Client
	kubeClient kubernetes.Interface
	tracker    leadership.Tracker

	// configFn yields a freshly validated configuration on every call so a
	// reconcile never acts on a cached value.
	configFn func() (*config.MeshConfig, error)

	// istioFactory builds the installer adapter for one settings map.  Tests
	// substitute a stub.
	istioFactory func(settings map[string]string) Istio

	managers map[string]*kube.ResourceManager
	handlers map[Event]func(ctx context.Context) error

	metadata      *istiometadata.Provider
	ingressConfig *ingressconfig.Requirer
	tracing       *tracing.Requirer
	store         relation.Store

	telemetryLabels map[string]string

	mu      sync.Mutex
	lastErr error
}

// New ...
func New(opt *option.OperatorOption, namespace string, c client.Client, kubeClient kubernetes.Interface,
	store relation.Store, tracker leadership.Tracker, configFn func() (*config.MeshConfig, error)) *Operator {
	o := &Operator{
		opt:        opt,
		namespace:  namespace,
		client:     c,
		kubeClient: kubeClient,
		tracker:    tracker,
		configFn:   configFn,
		store:      store,

		metadata:      istiometadata.NewProvider(store, istiometadata.DefaultRelationName),
		ingressConfig: ingressconfig.NewRequirer(store, ingressconfig.DefaultRelationName),
		tracing:       tracing.NewRequirer(store, tracing.DefaultRelationName),

		telemetryLabels: GenerateTelemetryLabels(opt.AppName, namespace),
	}
	o.istioFactory = func(settings map[string]string) Istio {
		return istioctl.New(opt.IstioctlPath, namespace, opt.Profile, settings)
	}
	o.managers = map[string]*kube.ResourceManager{
		ScopeControlPlane:        o.newManager(ScopeControlPlane, controlPlaneTypes),
		ScopeIstioCRDs:           o.newManager(ScopeIstioCRDs, istioCRDsTypes),
		ScopeGatewayAPICRDs:      o.newManager(ScopeGatewayAPICRDs, gatewayAPICRDsTypes),
		ScopeAuthorizationPolicy: o.newManager(ScopeAuthorizationPolicy, authorizationTypes),
	}
	o.handlers = map[Event]func(ctx context.Context) error{
		EventStart:             o.Reconcile,
		EventConfigChanged:     o.Reconcile,
		EventRelationChanged:   o.Reconcile,
		EventLeadershipChanged: o.Reconcile,
		EventScaleChanged:      o.Reconcile,
		EventResync:            o.Reconcile,
		EventRemove:            o.Remove,
	}
	return o
}

func (o *Operator) newManager(scope string, types []schema.GroupVersionKind) *kube.ResourceManager {
	return kube.NewResourceManager(
		o.client,
		o.opt.AppName,
		kube.OwnershipLabels(o.opt.AppName, o.namespace, scope),
		types,
	)
}

// Handle dispatches one event through the handler table.
func (o *Operator) Handle(ctx context.Context, event Event) error {
	handler, ok := o.handlers[event]
	if !ok {
		return errors.Errorf("no handler for event %s", event)
	}
	klog.V(2).Infof("Handling event %s", event)
	return handler(ctx)
}

// reconcileTrigger coalesces a burst of events into one reconcile.
type reconcileTrigger struct {
	events []Event
}

func (t *reconcileTrigger) Merge(other debounce.Trigger) debounce.Trigger {
	t.events = append(t.events, other.(*reconcileTrigger).events...)
	return t
}

// Run drives the control loop until ctx is done: it reconciles once at
// start, then on every debounced relation change and on a periodic resync.
func (o *Operator) Run(ctx context.Context) error {
	changes, err := o.store.Watch(ctx)
	if err != nil {
		return errors.Wrap(err, "watch relation store")
	}

	d := debounce.New(o.opt.DebounceWait, o.opt.DebounceMaxWait, func(t debounce.Trigger) {
		tr := t.(*reconcileTrigger)
		klog.V(2).Infof("Reconciling after %d merged events", len(tr.events))
		if err := o.Handle(ctx, tr.events[len(tr.events)-1]); err != nil {
			klog.Errorf("Reconcile failed: %v", err)
		}
	})
	defer d.Close()

	if err := o.Handle(ctx, EventStart); err != nil {
		klog.Errorf("Initial reconcile failed: %v", err)
	}

	resync := time.NewTicker(5 * time.Minute)
	defer resync.Stop()

	for {
		select {
		case event, ok := <-changes:
			if !ok {
				return nil
			}
			klog.V(4).Infof("Relation %s instance %d changed", event.Relation, event.ID)
			d.Put(&reconcileTrigger{events: []Event{EventRelationChanged}})
		case <-resync.C:
			d.Put(&reconcileTrigger{events: []Event{EventResync}})
		case <-ctx.Done():
			return nil
		}
	}
}

// Reconcile converges the full managed state.  Relation data is published
// before any resource generation so manifests read this pass's writes, never
// a previous pass's.
func (o *Operator) Reconcile(ctx context.Context) (err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	start := time.Now()
	defer func() {
		metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
		result := "success"
		if err != nil {
			result = "error"
		}
		metrics.ReconcileTotal.WithLabelValues(result).Inc()
		o.lastErr = err
	}()

	if !o.tracker.IsLeader() {
		metrics.Leader.Set(0)
		klog.V(2).Info("Not the leader, standing by")
		return nil
	}
	metrics.Leader.Set(1)

	cfg, err := o.configFn()
	if err != nil {
		return errors.Wrap(err, "load configuration")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "validate configuration")
	}

	steps := []struct {
		name string
		fn   func() error
	}{
		{"publish ext-authz provider names", o.publishExtAuthzProviderNames},
		{"publish istio metadata", o.publishIstioMetadata},
		{"reconcile gateway API CRDs", func() error { return o.reconcileGatewayAPICRDs(ctx) }},
		{"reconcile istio CRDs", func() error { return o.reconcileIstioCRDs(ctx, cfg) }},
		{"reconcile control plane", func() error { return o.reconcileControlPlane(ctx, cfg) }},
		{"reconcile authorization policies", func() error { return o.reconcileAuthorizationPolicies(ctx, cfg) }},
		{"refresh metrics proxy", func() error { return o.refreshMetricsProxy(ctx) }},
	}
	for _, step := range steps {
		// Leadership is revocable and can move between steps; never write
		// after losing it.
		if !o.tracker.IsLeader() {
			return errors.New("lost leadership mid-reconcile")
		}
		if err := step.fn(); err != nil {
			return errors.Wrap(err, step.name)
		}
	}
	return nil
}

// Remove deletes every managed resource of every scope.
func (o *Operator) Remove(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.tracker.IsLeader() {
		return nil
	}
	for scope, manager := range o.managers {
		klog.Infof("Deleting all resources of scope %s", scope)
		if err := manager.Delete(ctx); err != nil {
			return errors.Wrapf(err, "delete scope %s", scope)
		}
	}
	return nil
}

// ReadinessCheck reports the outcome of the last reconcile.  A non-leading
// replica is ready: it is standing by, not broken.
func (o *Operator) ReadinessCheck() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

// StatusMessage describes the replica's role for status endpoints.
func (o *Operator) StatusMessage() string {
	if !o.tracker.IsLeader() {
		return "Backup unit; standing by for leader take over"
	}
	return ""
}
