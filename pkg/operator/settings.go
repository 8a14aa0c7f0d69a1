package operator

import (
	"fmt"
	"strconv"

	"github.com/istio-ecosystem/istio-core-operator/pkg/config"
	"github.com/istio-ecosystem/istio-core-operator/pkg/relation/ingressconfig"
	"github.com/istio-ecosystem/istio-core-operator/pkg/relation/tracing"
)

// istioctlSettings assembles the --set overrides for one reconcile from the
// validated configuration and the current relation data.
func (o *Operator) istioctlSettings(cfg *config.MeshConfig) (map[string]string, error) {
	settings := map[string]string{}

	tracingProviders, globalTracing, err := o.workloadTracingProvider()
	if err != nil {
		return nil, err
	}
	externalProviders, err := o.externalAuthorizerProviders()
	if err != nil {
		return nil, err
	}

	// Combine all extension providers; order within the list does not
	// matter, but indices must be contiguous.
	allProviders := append(tracingProviders, externalProviders...)
	for key, value := range buildExtensionProvidersConfig(allProviders) {
		settings[key] = value
	}
	for key, value := range globalTracing {
		settings[key] = value
	}

	// Envoy access logs to stdout
	// (see https://istio.io/latest/docs/tasks/observability/logs/access-log/)
	settings["meshConfig.accessLogFile"] = "/dev/stdout"

	if cfg.Platform != "" {
		settings["values.global.platform"] = cfg.Platform
	}

	// Configure the sidecar injector to exclude outbound traffic to all IP
	// ranges.  Works around CNI limitations with application init containers
	// (https://istio.io/latest/docs/setup/additional-setup/cni/#compatibility-with-application-init-containers).
	settings[`values.sidecarInjectorWebhook.injectedAnnotations.traffic\.sidecar\.istio\.io/excludeOutboundIPRanges`] = "0.0.0.0/0"

	if cfg.Ambient {
		settings["values.profile"] = "ambient"
	}

	if cfg.AutoAllowWaypointPolicy {
		settings["values.pilot.env.PILOT_AUTO_ALLOW_WAYPOINT_POLICY"] = "true"
	}

	return settings, nil
}

// workloadTracingProvider returns the tracing extension provider and the
// global tracing settings, both empty when no tracing backend is related.
func (o *Operator) workloadTracingProvider() ([]map[string]interface{}, map[string]string, error) {
	host, port, err := o.tracing.Endpoint(tracing.ProtocolOTLPGRPC)
	if err != nil {
		return nil, nil, err
	}
	if host == "" || port == "" {
		return nil, nil, nil
	}

	portNumber, err := strconv.Atoi(port)
	if err != nil {
		return nil, nil, err
	}
	provider := map[string]interface{}{
		"name": "otel-tracing",
		"opentelemetry": map[string]interface{}{
			"port":    portNumber,
			"service": host,
		},
	}
	global := map[string]string{
		"meshConfig.enableTracing":                  "true",
		"meshConfig.defaultProviders.tracing[0]":    "otel-tracing",
		"meshConfig.defaultConfig.tracing.sampling": "100.0",
	}
	return []map[string]interface{}{provider}, global, nil
}

// externalAuthorizerProviders returns one envoyExtAuthzHttp extension
// provider per ingress application with a real (non-sentinel) authorizer
// endpoint.  Provider names match what publishExtAuthzProviderNames wrote.
func (o *Operator) externalAuthorizerProviders() ([]map[string]interface{}, error) {
	instances, err := o.ingressConfig.Relations()
	if err != nil {
		return nil, err
	}

	var providers []map[string]interface{}
	for _, instance := range instances {
		info, err := o.ingressConfig.ProviderInfo(instance.ID)
		if err != nil {
			return nil, err
		}
		if info == nil || info.IsSentinel() {
			continue
		}
		providers = append(providers, map[string]interface{}{
			"name": ingressconfig.GenerateProviderName(instance.RemoteApp, *info),
			"envoyExtAuthzHttp": map[string]interface{}{
				"service":                      info.ExtAuthzServiceName,
				"port":                         info.ExtAuthzPort,
				"includeRequestHeadersInCheck": []interface{}{"authorization", "cookie"},
				"headersToUpstreamOnAllow": []interface{}{
					"authorization",
					"path",
					"x-auth-request-user",
					"x-auth-request-email",
					"x-auth-request-access-token",
				},
				"headersToDownstreamOnAllow": []interface{}{"set-cookie"},
				"headersToDownstreamOnDeny":  []interface{}{"content-type", "set-cookie"},
			},
		})
	}
	return providers, nil
}

// buildExtensionProvidersConfig flattens provider objects into
// meshConfig.extensionProviders[i] settings.
func buildExtensionProvidersConfig(providers []map[string]interface{}) map[string]string {
	settings := map[string]string{}
	for idx, provider := range providers {
		prefix := fmt.Sprintf("meshConfig.extensionProviders[%d]", idx)
		for key, value := range config.Flatten(provider, prefix) {
			settings[key] = formatValue(value)
		}
	}
	return settings
}

func formatValue(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}
