package operator

import (
	"context"
	"os"

	"github.com/pkg/errors"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/klog/v2"

	"github.com/istio-ecosystem/istio-core-operator/pkg/config"
	"github.com/istio-ecosystem/istio-core-operator/pkg/manifest"
	"github.com/istio-ecosystem/istio-core-operator/pkg/relation/ingressconfig"
)

// publishExtAuthzProviderNames answers every ingress application that has
// published its authorizer endpoint with the generated extension-provider
// name for that endpoint.  Sentinel data still gets an answer; it is only
// filtered out when assembling extension providers.
func (o *Operator) publishExtAuthzProviderNames() error {
	instances, err := o.ingressConfig.Relations()
	if err != nil {
		return err
	}
	for _, instance := range instances {
		info, err := o.ingressConfig.ProviderInfo(instance.ID)
		if err != nil {
			return err
		}
		if info == nil {
			continue
		}
		name := ingressconfig.GenerateProviderName(instance.RemoteApp, *info)
		if err := o.ingressConfig.PublishProviderName(instance.ID, name); err != nil {
			return err
		}
	}
	return nil
}

func (o *Operator) publishIstioMetadata() error {
	return o.metadata.Publish(o.namespace)
}

func (o *Operator) reconcileGatewayAPICRDs(ctx context.Context) error {
	raw, err := os.ReadFile(o.opt.GatewayAPICRDsManifest)
	if err != nil {
		return errors.Wrap(err, "read gateway API CRDs manifest")
	}
	resources, err := manifest.Parse(string(raw))
	if err != nil {
		return errors.Wrap(err, "parse gateway API CRDs manifest")
	}
	return o.managers[ScopeGatewayAPICRDs].Reconcile(ctx, resources, false)
}

// reconcileIstioCRDs renders the base component.  The tool appends a
// ServiceAccount the operator does not want as the last document; anything
// else in that position means the manifest layout changed underneath us.
func (o *Operator) reconcileIstioCRDs(ctx context.Context, cfg *config.MeshConfig) error {
	settings, err := o.istioctlSettings(cfg)
	if err != nil {
		return err
	}
	manifests, err := o.istioFactory(settings).ManifestGenerate(istioCRDsComponents, nil)
	if err != nil {
		return err
	}
	resources, err := manifest.Parse(manifests)
	if err != nil {
		return err
	}
	if len(resources) == 0 {
		return errors.New("base manifest rendered no resources")
	}
	last := resources[len(resources)-1]
	if last.GetKind() != "ServiceAccount" {
		return errors.Errorf("expected a ServiceAccount as the last resource in the manifest, found %s %s",
			last.GetKind(), last.GetName())
	}
	resources = resources[:len(resources)-1]

	return o.managers[ScopeIstioCRDs].Reconcile(ctx, resources, false)
}

func (o *Operator) reconcileControlPlane(ctx context.Context, cfg *config.MeshConfig) error {
	unitCount, err := o.plannedUnits(ctx)
	if err != nil {
		return err
	}

	// With no units left this is a teardown in progress; converge to an
	// empty set instead of rendering an HPA with zero replicas, which the
	// apiserver rejects.
	var resources []*unstructured.Unstructured
	if unitCount > 0 {
		settings, err := o.istioctlSettings(cfg)
		if err != nil {
			return err
		}
		manifests, err := o.istioFactory(settings).ManifestGenerate(
			controlPlaneComponents,
			[]*unstructured.Unstructured{hpaOverride(o.namespace, unitCount)},
		)
		if err != nil {
			return err
		}
		resources, err = manifest.Parse(manifests)
		if err != nil {
			return err
		}
		o.addTelemetryLabels(resources)
	}

	// The validating webhook claims fields under another owner; force the
	// apply or every pass conflicts.
	return o.managers[ScopeControlPlane].Reconcile(ctx, resources, true)
}

// plannedUnits reads the operator Deployment's desired replica count, which
// also pins the istiod HPA.  A missing Deployment reads as zero units.
func (o *Operator) plannedUnits(ctx context.Context) (int, error) {
	deploy, err := o.kubeClient.AppsV1().Deployments(o.namespace).Get(ctx, o.opt.DeploymentName, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "get deployment %s", o.opt.DeploymentName)
	}
	if deploy.Spec.Replicas == nil {
		return 1, nil
	}
	return int(*deploy.Spec.Replicas), nil
}

// hpaOverride pins the istiod HPA to exactly unitCount replicas, so istiod
// scales with the operator instead of with load.
func hpaOverride(namespace string, unitCount int) *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "autoscaling/v2",
		"kind":       "HorizontalPodAutoscaler",
		"metadata": map[string]interface{}{
			"name":      "istiod",
			"namespace": namespace,
		},
		"spec": map[string]interface{}{
			"scaleTargetRef": map[string]interface{}{
				"apiVersion": "apps/v1",
				"kind":       "Deployment",
				"name":       "istiod",
			},
			"minReplicas": int64(unitCount),
			"maxReplicas": int64(unitCount),
		},
	}}
}

// addTelemetryLabels stamps the scrape-target labels onto the control-plane
// workload pod templates.
func (o *Operator) addTelemetryLabels(resources []*unstructured.Unstructured) {
	workloads := map[string]struct{}{"istiod": {}, "ztunnel": {}, "istio-cni-node": {}}
	for _, resource := range resources {
		kind := resource.GetKind()
		if kind != "Deployment" && kind != "DaemonSet" {
			continue
		}
		if _, ok := workloads[resource.GetName()]; !ok {
			continue
		}
		labels, _, err := unstructured.NestedStringMap(resource.Object, "spec", "template", "metadata", "labels")
		if err != nil {
			klog.Warningf("Cannot read pod template labels of %s %s: %v", kind, resource.GetName(), err)
			continue
		}
		if labels == nil {
			labels = map[string]string{}
		}
		for key, value := range o.telemetryLabels {
			labels[key] = value
		}
		if err := unstructured.SetNestedStringMap(resource.Object, labels, "spec", "template", "metadata", "labels"); err != nil {
			klog.Warningf("Cannot set pod template labels of %s %s: %v", kind, resource.GetName(), err)
		}
	}
}

// refreshMetricsProxy keeps the metrics forwarding Deployment's --labels
// argument aligned with the telemetry labels.
func (o *Operator) refreshMetricsProxy(ctx context.Context) error {
	deployments := o.kubeClient.AppsV1().Deployments(o.namespace)
	deploy, err := deployments.Get(ctx, o.opt.MetricsProxyDeployment, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		klog.V(2).Infof("Metrics proxy deployment %s not found, skipping", o.opt.MetricsProxyDeployment)
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "get deployment %s", o.opt.MetricsProxyDeployment)
	}

	want := []string{"--labels", FormatLabels(o.telemetryLabels)}
	for i := range deploy.Spec.Template.Spec.Containers {
		container := &deploy.Spec.Template.Spec.Containers[i]
		if container.Name != "metrics-proxy" {
			continue
		}
		if equalArgs(container.Args, want) {
			return nil
		}
		container.Args = want
		_, err = deployments.Update(ctx, deploy, metav1.UpdateOptions{})
		return errors.Wrapf(err, "update deployment %s", o.opt.MetricsProxyDeployment)
	}
	klog.Warningf("Deployment %s has no metrics-proxy container", o.opt.MetricsProxyDeployment)
	return nil
}

func equalArgs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
