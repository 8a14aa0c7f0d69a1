// Package manifest parses multi-document Kubernetes YAML streams and applies
// targeted field-level overrides onto individual documents.
package manifest

import (
	"bufio"
	"bytes"
	"io"
	"strings"

	"github.com/ghodss/yaml"
	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	utilyaml "k8s.io/apimachinery/pkg/util/yaml"
	"k8s.io/klog/v2"
)

// Parse splits a multi-document YAML stream into unstructured objects.
// Empty documents are skipped.
func Parse(manifestYAML string) ([]*unstructured.Unstructured, error) {
	reader := utilyaml.NewYAMLReader(bufio.NewReader(strings.NewReader(manifestYAML)))
	var docs []*unstructured.Unstructured
	for {
		raw, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "read manifest document")
		}
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		obj := map[string]interface{}{}
		if err := yaml.Unmarshal(raw, &obj); err != nil {
			return nil, errors.Wrap(err, "unmarshal manifest document")
		}
		if len(obj) == 0 {
			continue
		}
		docs = append(docs, &unstructured.Unstructured{Object: obj})
	}
	return docs, nil
}

// Serialize renders documents back into one multi-document YAML stream.
func Serialize(docs []*unstructured.Unstructured) (string, error) {
	parts := make([]string, 0, len(docs))
	for _, doc := range docs {
		data, err := yaml.Marshal(doc.Object)
		if err != nil {
			return "", errors.Wrapf(err, "marshal document %s/%s", doc.GetKind(), doc.GetName())
		}
		parts = append(parts, string(data))
	}
	return strings.Join(parts, "---\n"), nil
}

// Apply deep-merges each matching override into the manifest stream and
// returns the re-serialized result.  A document matches an override when
// kind, namespace and name are all equal; the first matching override wins.
// Documents without a matching override pass through unchanged.
func Apply(manifestYAML string, overrides []*unstructured.Unstructured) (string, error) {
	if len(overrides) == 0 {
		return manifestYAML, nil
	}
	docs, err := Parse(manifestYAML)
	if err != nil {
		return "", err
	}
	for _, doc := range docs {
		for _, override := range overrides {
			if !matches(doc, override) {
				continue
			}
			klog.V(4).Infof("Applying manifest override to %s %s/%s",
				doc.GetKind(), doc.GetNamespace(), doc.GetName())
			mergeInto(doc.Object, override.Object)
			break
		}
	}
	return Serialize(docs)
}

func matches(doc, override *unstructured.Unstructured) bool {
	return doc.GetKind() == override.GetKind() &&
		doc.GetNamespace() == override.GetNamespace() &&
		doc.GetName() == override.GetName()
}

// mergeInto merges src into dst in place.  Nested maps merge key by key;
// any other value, sequences included, replaces the destination wholesale.
func mergeInto(dst, src map[string]interface{}) {
	for key, value := range src {
		srcMap, srcIsMap := value.(map[string]interface{})
		dstMap, dstIsMap := dst[key].(map[string]interface{})
		if srcIsMap && dstIsMap {
			mergeInto(dstMap, srcMap)
			continue
		}
		dst[key] = value
	}
}
