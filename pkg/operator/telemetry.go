package operator

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// GenerateTelemetryLabels returns the scrape-target label for one
// installation.  The label must be unique per {namespace, application} so
// one mesh operator never scrapes another's workloads, and a Kubernetes
// label key is capped at 63 characters.  When the natural key fits, it is
// used as is; otherwise the names are truncated and a hash of the full pair
// is appended so two truncated installations still get distinct keys.
func GenerateTelemetryLabels(app, namespace string) map[string]string {
	key := fmt.Sprintf("operators.istio.io/%s.%s.telemetry", namespace, app)
	if len(key) > 63 {
		sum := md5.Sum([]byte(namespace + "." + app))
		hash := hex.EncodeToString(sum[:])[:10]
		key = fmt.Sprintf("operators.istio.io/%.10s.%.10s.%s.telemetry", namespace, app, hash)
	}
	return map[string]string{
		key: "aggregated",
	}
}

// FormatLabels renders a label map as a comma-separated key=value string,
// sorted for a stable argument list.
func FormatLabels(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for key := range labels {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, key+"="+labels[key])
	}
	return strings.Join(pairs, ",")
}
