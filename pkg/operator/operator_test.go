package operator

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	securityv1 "istio.io/client-go/pkg/apis/security/v1"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	k8sfake "k8s.io/client-go/kubernetes/fake"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"

	"github.com/istio-ecosystem/istio-core-operator/pkg/config"
	"github.com/istio-ecosystem/istio-core-operator/pkg/kube"
	"github.com/istio-ecosystem/istio-core-operator/pkg/leadership"
	"github.com/istio-ecosystem/istio-core-operator/pkg/manifest"
	"github.com/istio-ecosystem/istio-core-operator/pkg/option"
	"github.com/istio-ecosystem/istio-core-operator/pkg/relation"
	"github.com/istio-ecosystem/istio-core-operator/pkg/relation/ingressconfig"
)

const testNamespace = "istio-system"

const gatewayCRDManifest = `apiVersion: apiextensions.k8s.io/v1
kind: CustomResourceDefinition
metadata:
  name: gateways.gateway.networking.k8s.io
`

const baseManifest = `apiVersion: apiextensions.k8s.io/v1
kind: CustomResourceDefinition
metadata:
  name: authorizationpolicies.security.istio.io
---
apiVersion: v1
kind: ServiceAccount
metadata:
  name: istio-reader-service-account
  namespace: istio-system
`

const controlPlaneManifest = `apiVersion: apps/v1
kind: Deployment
metadata:
  name: istiod
  namespace: istio-system
spec:
  template:
    metadata:
      labels:
        app: istiod
---
apiVersion: autoscaling/v2
kind: HorizontalPodAutoscaler
metadata:
  name: istiod
  namespace: istio-system
spec:
  scaleTargetRef:
    apiVersion: apps/v1
    kind: Deployment
    name: istiod
  minReplicas: 1
  maxReplicas: 5
`

// The fake client has no server-side apply, so apply patches are emulated
// with create-or-update.
var applyAsUpdate = interceptor.Funcs{
	Patch: func(ctx context.Context, clnt client.WithWatch, obj client.Object, patch client.Patch, opts ...client.PatchOption) error {
		if patch.Type() != types.ApplyPatchType {
			return clnt.Patch(ctx, obj, patch, opts...)
		}
		current := &unstructured.Unstructured{}
		current.SetGroupVersionKind(obj.GetObjectKind().GroupVersionKind())
		err := clnt.Get(ctx, types.NamespacedName{Namespace: obj.GetNamespace(), Name: obj.GetName()}, current)
		if apierrors.IsNotFound(err) {
			return clnt.Create(ctx, obj)
		}
		if err != nil {
			return err
		}
		obj.SetResourceVersion(current.GetResourceVersion())
		return clnt.Update(ctx, obj)
	},
}

// stubIstio serves canned manifests per leading component and applies
// overrides the same way the real adapter does.
type stubIstio struct {
	manifests map[string]string
	calls     *[][]string
}

func (s *stubIstio) ManifestGenerate(components []string, overrides []*unstructured.Unstructured) (string, error) {
	*s.calls = append(*s.calls, components)
	out := s.manifests[components[0]]
	if len(overrides) == 0 {
		return out, nil
	}
	return manifest.Apply(out, overrides)
}

func operatorScheme() *runtime.Scheme {
	scheme := runtime.NewScheme()
	Expect(clientgoscheme.AddToScheme(scheme)).To(Succeed())
	Expect(securityv1.AddToScheme(scheme)).To(Succeed())
	scheme.AddKnownTypeWithName(gvkCRD, &unstructured.Unstructured{})
	scheme.AddKnownTypeWithName(gvkCRD.GroupVersion().WithKind("CustomResourceDefinitionList"), &unstructured.UnstructuredList{})
	return scheme
}

func deployment(name string, replicas int32, containers ...corev1.Container) *appsv1.Deployment {
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: testNamespace},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{Containers: containers},
			},
		},
	}
}

var _ = Describe("Operator", func() {
	var (
		ctx        context.Context
		store      *relation.MemoryStore
		cli        client.Client
		kubeClient *k8sfake.Clientset
		op         *Operator
		calls      [][]string
		cfg        *config.MeshConfig
		manifestFn string
	)

	newOperator := func(leader bool, seed ...client.Object) {
		cli = fake.NewClientBuilder().
			WithScheme(operatorScheme()).
			WithInterceptorFuncs(applyAsUpdate).
			WithObjects(seed...).
			Build()

		opt := option.DefaultOperatorOption()
		opt.GatewayAPICRDsManifest = manifestFn

		op = New(opt, testNamespace, cli, kubeClient, store,
			leadership.StaticTracker{Leader: leader},
			func() (*config.MeshConfig, error) { return cfg, nil })

		calls = nil
		op.istioFactory = func(settings map[string]string) Istio {
			return &stubIstio{
				manifests: map[string]string{
					"base":  baseManifest,
					"pilot": controlPlaneManifest,
				},
				calls: &calls,
			}
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		store = relation.NewMemoryStore()
		cfg = &config.MeshConfig{GlobalAllowNothingPolicy: true}

		dir := GinkgoT().TempDir()
		manifestFn = filepath.Join(dir, "gateway-apis-crds.yaml")
		Expect(os.WriteFile(manifestFn, []byte(gatewayCRDManifest), 0o644)).To(Succeed())

		kubeClient = k8sfake.NewSimpleClientset(
			deployment("istio-core", 2),
			deployment("metrics-proxy", 1, corev1.Container{Name: "metrics-proxy"}),
		)
	})

	getUnstructured := func(gvk string, namespace, name string) (*unstructured.Unstructured, error) {
		obj := &unstructured.Unstructured{}
		switch gvk {
		case "crd":
			obj.SetGroupVersionKind(gvkCRD)
		case "deployment":
			obj.SetAPIVersion("apps/v1")
			obj.SetKind("Deployment")
		case "hpa":
			obj.SetAPIVersion("autoscaling/v2")
			obj.SetKind("HorizontalPodAutoscaler")
		case "serviceaccount":
			obj.SetAPIVersion("v1")
			obj.SetKind("ServiceAccount")
		case "authorizationpolicy":
			obj.SetGroupVersionKind(gvkAuthorizationPolicy)
		}
		err := cli.Get(ctx, types.NamespacedName{Namespace: namespace, Name: name}, obj)
		return obj, err
	}

	It("does not write anything when it is not the leader", func() {
		id := store.AddRelation(ingressconfig.DefaultRelationName, "ingress")
		Expect(store.SetRemoteData(ingressconfig.DefaultRelationName, id, relation.Databag{
			"ext_authz_service_name": `"authz.example.com"`,
			"ext_authz_port":         `"8080"`,
		})).To(Succeed())
		newOperator(false)

		Expect(op.Reconcile(ctx)).To(Succeed())

		bag, err := store.LocalData(ingressconfig.DefaultRelationName, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(bag).To(BeEmpty())
		_, err = getUnstructured("crd", "", "gateways.gateway.networking.k8s.io")
		Expect(apierrors.IsNotFound(err)).To(BeTrue())
		Expect(op.StatusMessage()).To(ContainSubstring("standing by"))
	})

	It("reconciles the full managed state as leader", func() {
		ingressID := store.AddRelation(ingressconfig.DefaultRelationName, "ingress")
		Expect(store.SetRemoteData(ingressconfig.DefaultRelationName, ingressID, relation.Databag{
			"ext_authz_service_name": `"authz.example.com"`,
			"ext_authz_port":         `"8080"`,
		})).To(Succeed())
		metadataID := store.AddRelation("istio-metadata", "beacon")
		tracingID := store.AddRelation("workload-tracing", "tempo")
		Expect(store.SetRemoteData("workload-tracing", tracingID, relation.Databag{
			"receivers": `[{"protocol":"otlp_grpc","url":"tempo.observability.svc:4317"}]`,
		})).To(Succeed())
		newOperator(true)

		var settings map[string]string
		inner := op.istioFactory
		op.istioFactory = func(s map[string]string) Istio {
			settings = s
			return inner(s)
		}

		Expect(op.Reconcile(ctx)).To(Succeed())

		By("publishing the generated provider name before generating manifests")
		bag, err := store.LocalData(ingressconfig.DefaultRelationName, ingressID)
		Expect(err).NotTo(HaveOccurred())
		wantName := ingressconfig.GenerateProviderName("ingress",
			ingressconfig.ProviderData{ExtAuthzServiceName: "authz.example.com", ExtAuthzPort: "8080"})
		Expect(bag["ext_authz_provider_name"]).To(Equal(`"` + wantName + `"`))

		By("publishing the control-plane namespace")
		bag, err = store.LocalData("istio-metadata", metadataID)
		Expect(err).NotTo(HaveOccurred())
		Expect(bag["root_namespace"]).To(Equal(`"istio-system"`))

		By("applying the bundled gateway API CRDs")
		_, err = getUnstructured("crd", "", "gateways.gateway.networking.k8s.io")
		Expect(err).NotTo(HaveOccurred())

		By("applying the base CRDs without the trailing ServiceAccount")
		_, err = getUnstructured("crd", "", "authorizationpolicies.security.istio.io")
		Expect(err).NotTo(HaveOccurred())
		_, err = getUnstructured("serviceaccount", testNamespace, "istio-reader-service-account")
		Expect(apierrors.IsNotFound(err)).To(BeTrue())

		By("pinning the istiod HPA to the planned unit count")
		hpa, err := getUnstructured("hpa", testNamespace, "istiod")
		Expect(err).NotTo(HaveOccurred())
		min, _, _ := unstructured.NestedInt64(hpa.Object, "spec", "minReplicas")
		max, _, _ := unstructured.NestedInt64(hpa.Object, "spec", "maxReplicas")
		Expect(min).To(Equal(int64(2)))
		Expect(max).To(Equal(int64(2)))

		By("stamping telemetry labels onto the istiod pod template")
		istiod, err := getUnstructured("deployment", testNamespace, "istiod")
		Expect(err).NotTo(HaveOccurred())
		labels, _, _ := unstructured.NestedStringMap(istiod.Object, "spec", "template", "metadata", "labels")
		Expect(labels).To(HaveKeyWithValue("app", "istiod"))
		found := false
		for key, value := range labels {
			if strings.HasSuffix(key, ".telemetry") && value == "aggregated" {
				found = true
			}
		}
		Expect(found).To(BeTrue())

		By("wiring relation data into the istioctl settings")
		Expect(settings).To(HaveKeyWithValue("meshConfig.accessLogFile", "/dev/stdout"))
		Expect(settings).To(HaveKeyWithValue("meshConfig.enableTracing", "true"))
		Expect(settings).To(HaveKeyWithValue("meshConfig.extensionProviders[0].name", "otel-tracing"))
		Expect(settings).To(HaveKeyWithValue("meshConfig.extensionProviders[0].opentelemetry.service", "tempo.observability.svc"))
		Expect(settings).To(HaveKeyWithValue("meshConfig.extensionProviders[0].opentelemetry.port", "4317"))
		Expect(settings).To(HaveKeyWithValue("meshConfig.extensionProviders[1].name", wantName))
		Expect(settings).To(HaveKeyWithValue("meshConfig.extensionProviders[1].envoyExtAuthzHttp.service", "authz.example.com"))

		By("creating the allow-nothing authorization policies")
		_, err = getUnstructured("authorizationpolicy", testNamespace, "istio-core-istio-system-policy-global-allow-nothing-l4")
		Expect(err).NotTo(HaveOccurred())
		waypoint, err := getUnstructured("authorizationpolicy", testNamespace, "istio-core-istio-system-policy-global-allow-nothing-waypoints")
		Expect(err).NotTo(HaveOccurred())
		refs, _, _ := unstructured.NestedSlice(waypoint.Object, "spec", "targetRefs")
		Expect(refs).To(HaveLen(1))

		By("refreshing the metrics proxy arguments")
		proxy, err := kubeClient.AppsV1().Deployments(testNamespace).Get(ctx, "metrics-proxy", metav1.GetOptions{})
		Expect(err).NotTo(HaveOccurred())
		Expect(proxy.Spec.Template.Spec.Containers[0].Args).To(HaveLen(2))
		Expect(proxy.Spec.Template.Spec.Containers[0].Args[0]).To(Equal("--labels"))
		Expect(proxy.Spec.Template.Spec.Containers[0].Args[1]).To(ContainSubstring("=aggregated"))

		By("rendering base and control-plane components")
		Expect(calls).To(ContainElement([]string{"base"}))
		Expect(calls).To(ContainElement([]string{"pilot", "cni", "ztunnel"}))
	})

	It("filters sentinel authorizer data out of the extension providers but still answers it", func() {
		id := store.AddRelation(ingressconfig.DefaultRelationName, "ingress")
		Expect(store.SetRemoteData(ingressconfig.DefaultRelationName, id, relation.Databag{
			"ext_authz_service_name": `"fake_host"`,
			"ext_authz_port":         `"5432"`,
		})).To(Succeed())
		newOperator(true)

		var settings map[string]string
		inner := op.istioFactory
		op.istioFactory = func(s map[string]string) Istio {
			settings = s
			return inner(s)
		}

		Expect(op.Reconcile(ctx)).To(Succeed())

		bag, err := store.LocalData(ingressconfig.DefaultRelationName, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(bag).To(HaveKey("ext_authz_provider_name"))
		for key := range settings {
			Expect(key).NotTo(ContainSubstring("extensionProviders"))
		}
	})

	It("rejects a base manifest whose last document is not a ServiceAccount", func() {
		newOperator(true)
		op.istioFactory = func(map[string]string) Istio {
			return &stubIstio{
				manifests: map[string]string{
					"base":  gatewayCRDManifest,
					"pilot": controlPlaneManifest,
				},
				calls: &calls,
			}
		}

		err := op.Reconcile(ctx)
		Expect(err).To(MatchError(ContainSubstring("expected a ServiceAccount as the last resource")))
	})

	It("converges the control plane to empty when no units are planned", func() {
		Expect(kubeClient.AppsV1().Deployments(testNamespace).
			Delete(ctx, "istio-core", metav1.DeleteOptions{})).To(Succeed())

		stale := &unstructured.Unstructured{Object: map[string]interface{}{
			"apiVersion": "v1",
			"kind":       "ConfigMap",
			"metadata": map[string]interface{}{
				"name":      "istio-stale",
				"namespace": testNamespace,
			},
		}}
		stale.SetLabels(kube.OwnershipLabels("istio-core", testNamespace, ScopeControlPlane))
		newOperator(true, stale)

		Expect(op.Reconcile(ctx)).To(Succeed())

		obj := &unstructured.Unstructured{}
		obj.SetAPIVersion("v1")
		obj.SetKind("ConfigMap")
		err := cli.Get(ctx, types.NamespacedName{Namespace: testNamespace, Name: "istio-stale"}, obj)
		Expect(apierrors.IsNotFound(err)).To(BeTrue())
	})

	It("deletes every scope on Remove", func() {
		newOperator(true)
		Expect(op.Reconcile(ctx)).To(Succeed())
		Expect(op.Remove(ctx)).To(Succeed())

		_, err := getUnstructured("crd", "", "gateways.gateway.networking.k8s.io")
		Expect(apierrors.IsNotFound(err)).To(BeTrue())
		_, err = getUnstructured("authorizationpolicy", testNamespace, "istio-core-istio-system-policy-global-allow-nothing-l4")
		Expect(apierrors.IsNotFound(err)).To(BeTrue())
	})
})

var _ = Describe("GenerateTelemetryLabels", func() {
	It("uses the natural key when it fits", func() {
		labels := GenerateTelemetryLabels("istio-core", "istio-system")
		Expect(labels).To(HaveKeyWithValue("operators.istio.io/istio-system.istio-core.telemetry", "aggregated"))
	})

	It("truncates long keys to 63 characters and keeps them distinct", func() {
		a := GenerateTelemetryLabels("istio-core", "really-long-namespace-name-number-one")
		b := GenerateTelemetryLabels("istio-core", "really-long-namespace-name-number-two")
		for key := range a {
			Expect(len(key)).To(BeNumerically("<=", 63))
			Expect(b).NotTo(HaveKey(key))
		}
	})
})
