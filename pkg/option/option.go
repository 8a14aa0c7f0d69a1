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

// Package option holds the flag-backed options for the operator commands.
package option

import "time"

// RootOption ...
type RootOption struct {
	Kubeconfig    string
	ConfigContext string
	Namespace     string
}

// DefaultRootOption ...
func DefaultRootOption() *RootOption {
	return &RootOption{
		Namespace: "istio-system",
	}
}

// OperatorOption configures the reconcile engine and its ambient surfaces.
type OperatorOption struct {
	AppName string

	// External installer tool.
	IstioctlPath string
	Profile      string

	// Manifest file applied for the Gateway API CRDs scope.
	GatewayAPICRDsManifest string

	// Relation substrate backend: memory, configmap or zookeeper.
	RelationStoreBackend string
	ZKServers            []string
	ZKRoot               string

	// Name of the Deployment whose replica count pins the istiod HPA.
	DeploymentName string
	// Name of the metrics forwarding sidecar Deployment.
	MetricsProxyDeployment string

	LeaseName string

	Addr           string
	GinLogEnabled  bool
	PprofEnabled   bool
	MetricsEnabled bool

	DebounceWait    time.Duration
	DebounceMaxWait time.Duration
}

// DefaultOperatorOption ...
func DefaultOperatorOption() *OperatorOption {
	return &OperatorOption{
		AppName:                "istio-core",
		IstioctlPath:           "./istioctl",
		Profile:                "empty",
		GatewayAPICRDsManifest: "./manifests/gateway-apis-crds.yaml",
		RelationStoreBackend:   "configmap",
		ZKRoot:                 "/istio-core/relations",
		DeploymentName:         "istio-core",
		MetricsProxyDeployment: "metrics-proxy",
		LeaseName:              "istio-core-operator-lock",
		Addr:                   ":8080",
		MetricsEnabled:         true,
		PprofEnabled:           true,
		DebounceWait:           500 * time.Millisecond,
		DebounceMaxWait:        5 * time.Second,
	}
}
