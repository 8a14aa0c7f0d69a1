package kube

// Ownership label keys.  Every managed resource carries all three so that a
// scope can be listed, updated and garbage-collected without ever touching
// resources owned by another scope or another installation.
const (
	LabelManagedBy = "app.kubernetes.io/managed-by"
	LabelInstance  = "app.kubernetes.io/instance"
	LabelScope     = "operator.mesh.istio.io/scope"
)

// OwnershipLabels returns the label set identifying resources owned by one
// {application, namespace, scope} triple.
func OwnershipLabels(app, namespace, scope string) map[string]string {
	return map[string]string{
		LabelManagedBy: app,
		LabelInstance:  app + "." + namespace,
		LabelScope:     scope,
	}
}
