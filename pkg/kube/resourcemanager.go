package kube

import (
	"context"

	"github.com/pkg/errors"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

type objectKey struct {
	gvk       schema.GroupVersionKind
	namespace string
	name      string
}

// ResourceManager reconciles one label scope of cluster resources.  It only
// ever creates, updates or deletes resources that carry its ownership labels
// and belong to its declared resource types, so reconciliation of one scope
// cannot interfere with another.
type ResourceManager struct {
	client       client.Client
	fieldManager string
	labels       map[string]string
	types        map[schema.GroupVersionKind]struct{}
}

// NewResourceManager ...
func NewResourceManager(c client.Client, fieldManager string, labels map[string]string, types []schema.GroupVersionKind) *ResourceManager {
	allowed := make(map[schema.GroupVersionKind]struct{}, len(types))
	for _, gvk := range types {
		allowed[gvk] = struct{}{}
	}
	return &ResourceManager{
		client:       c,
		fieldManager: fieldManager,
		labels:       labels,
		types:        allowed,
	}
}

// Reconcile converges the scope to exactly the desired resource list:
// desired resources are server-side applied, and labelled resources of the
// declared types that are absent from desired are deleted.  force bypasses
// field-ownership conflicts on apply.  The desired list is applied exactly
// as given; guarding against transient empty sets is the caller's job.
func (m *ResourceManager) Reconcile(ctx context.Context, desired []*unstructured.Unstructured, force bool) error {
	for _, obj := range desired {
		if _, ok := m.types[obj.GroupVersionKind()]; !ok {
			return errors.Errorf("resource %s %s/%s is not in the scope's resource types",
				obj.GetKind(), obj.GetNamespace(), obj.GetName())
		}
	}

	existing, err := m.list(ctx)
	if err != nil {
		return err
	}

	wanted := make(map[objectKey]struct{}, len(desired))
	for _, obj := range desired {
		m.labelObject(obj)
		wanted[keyFor(obj)] = struct{}{}
		if err := m.apply(ctx, obj, force); err != nil {
			return err
		}
	}

	for i := range existing {
		obj := &existing[i]
		if _, ok := wanted[keyFor(obj)]; ok {
			continue
		}
		klog.V(2).Infof("Deleting stale %s %s/%s", obj.GetKind(), obj.GetNamespace(), obj.GetName())
		if err := m.client.Delete(ctx, obj); err != nil && !apierrors.IsNotFound(err) {
			return errors.Wrapf(err, "delete stale %s %s/%s", obj.GetKind(), obj.GetNamespace(), obj.GetName())
		}
	}
	return nil
}

// Delete removes every resource carrying the scope's ownership labels.
func (m *ResourceManager) Delete(ctx context.Context) error {
	existing, err := m.list(ctx)
	if err != nil {
		return err
	}
	for i := range existing {
		obj := &existing[i]
		klog.V(2).Infof("Deleting %s %s/%s", obj.GetKind(), obj.GetNamespace(), obj.GetName())
		if err := m.client.Delete(ctx, obj); err != nil && !apierrors.IsNotFound(err) {
			return errors.Wrapf(err, "delete %s %s/%s", obj.GetKind(), obj.GetNamespace(), obj.GetName())
		}
	}
	return nil
}

func (m *ResourceManager) apply(ctx context.Context, obj *unstructured.Unstructured, force bool) error {
	opts := []client.PatchOption{client.FieldOwner(m.fieldManager)}
	if force {
		opts = append(opts, client.ForceOwnership)
	}
	if err := m.client.Patch(ctx, obj, client.Apply, opts...); err != nil {
		return errors.Wrapf(err, "apply %s %s/%s", obj.GetKind(), obj.GetNamespace(), obj.GetName())
	}
	return nil
}

func (m *ResourceManager) labelObject(obj *unstructured.Unstructured) {
	labels := obj.GetLabels()
	if labels == nil {
		labels = map[string]string{}
	}
	for key, value := range m.labels {
		labels[key] = value
	}
	obj.SetLabels(labels)
}

// list returns the labelled cluster-resident resources for every declared
// type.  Types whose API is not registered yet, typically a CRD that has not
// been applied, are skipped rather than failing the whole pass.
func (m *ResourceManager) list(ctx context.Context) ([]unstructured.Unstructured, error) {
	var out []unstructured.Unstructured
	for gvk := range m.types {
		ul := &unstructured.UnstructuredList{}
		ul.SetGroupVersionKind(gvk.GroupVersion().WithKind(gvk.Kind + "List"))
		err := m.client.List(ctx, ul, client.MatchingLabels(m.labels))
		if err != nil {
			if meta.IsNoMatchError(err) {
				klog.V(2).Infof("Skipping %s: API not registered", gvk)
				continue
			}
			return nil, errors.Wrapf(err, "list %s", gvk)
		}
		out = append(out, ul.Items...)
	}
	return out, nil
}

func keyFor(obj *unstructured.Unstructured) objectKey {
	return objectKey{
		gvk:       obj.GroupVersionKind(),
		namespace: obj.GetNamespace(),
		name:      obj.GetName(),
	}
}
