package operator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	apisecurityv1 "istio.io/api/security/v1"
	typev1beta1 "istio.io/api/type/v1beta1"
	securityv1 "istio.io/client-go/pkg/apis/security/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/istio-ecosystem/istio-core-operator/pkg/config"
)

func (o *Operator) reconcileAuthorizationPolicies(ctx context.Context, cfg *config.MeshConfig) error {
	policies, err := o.buildAuthorizationPolicies(cfg)
	if err != nil {
		return err
	}
	return o.managers[ScopeAuthorizationPolicy].Reconcile(ctx, policies, false)
}

// buildAuthorizationPolicies renders the mesh-wide deny-by-default policies.
// An AuthorizationPolicy with an empty spec allows nothing; the second policy
// extends the same default to waypoint proxies via their GatewayClass.
func (o *Operator) buildAuthorizationPolicies(cfg *config.MeshConfig) ([]*unstructured.Unstructured, error) {
	if !cfg.GlobalAllowNothingPolicy {
		return nil, nil
	}

	l4 := &securityv1.AuthorizationPolicy{
		TypeMeta: metav1.TypeMeta{
			APIVersion: gvkAuthorizationPolicy.GroupVersion().String(),
			Kind:       gvkAuthorizationPolicy.Kind,
		},
		ObjectMeta: metav1.ObjectMeta{
			Name:      fmt.Sprintf("%s-%s-policy-global-allow-nothing-l4", o.opt.AppName, o.namespace),
			Namespace: o.namespace,
		},
	}

	waypoints := &securityv1.AuthorizationPolicy{
		TypeMeta: metav1.TypeMeta{
			APIVersion: gvkAuthorizationPolicy.GroupVersion().String(),
			Kind:       gvkAuthorizationPolicy.Kind,
		},
		ObjectMeta: metav1.ObjectMeta{
			Name:      fmt.Sprintf("%s-%s-policy-global-allow-nothing-waypoints", o.opt.AppName, o.namespace),
			Namespace: o.namespace,
		},
		Spec: apisecurityv1.AuthorizationPolicy{
			TargetRefs: []*typev1beta1.PolicyTargetReference{
				{
					Group: "gateway.networking.k8s.io",
					Kind:  "GatewayClass",
					Name:  "istio-waypoint",
				},
			},
		},
	}

	out := make([]*unstructured.Unstructured, 0, 2)
	for _, policy := range []*securityv1.AuthorizationPolicy{l4, waypoints} {
		u, err := toUnstructured(policy)
		if err != nil {
			return nil, errors.Wrapf(err, "convert AuthorizationPolicy %s", policy.Name)
		}
		out = append(out, u)
	}
	return out, nil
}

func toUnstructured(obj interface{}) (*unstructured.Unstructured, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	content := map[string]interface{}{}
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, err
	}
	return &unstructured.Unstructured{Object: content}, nil
}
