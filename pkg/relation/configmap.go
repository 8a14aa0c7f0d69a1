package relation

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"
)

const (
	// RelationLabel marks a ConfigMap as backing one relation instance.
	RelationLabel = "operator.mesh.istio.io/relation"
	// RelationIDLabel carries the instance ID.
	RelationIDLabel = "operator.mesh.istio.io/relation-id"
	// AppsAnnotation lists the participating application names.
	AppsAnnotation = "operator.mesh.istio.io/apps"

	rewatchBackoff = 5 * time.Second
)

// ConfigMapStore keeps each relation instance in one ConfigMap, with one
// data key per participating application holding that side's databag as a
// JSON object.  Both applications read and write the same ConfigMap; the
// ownership discipline (only the leader of the owning application writes its
// key) is enforced by the callers, not here.
//
// The watch surfaces every ConfigMap change including the local side's own
// writes; reconciles triggered by those are harmless because they are
// idempotent.
type ConfigMapStore struct {
	client    kubernetes.Interface
	namespace string
	localApp  string
}

// NewConfigMapStore ...
func NewConfigMapStore(client kubernetes.Interface, namespace, localApp string) *ConfigMapStore {
	return &ConfigMapStore{client: client, namespace: namespace, localApp: localApp}
}

// List ...
func (s *ConfigMapStore) List(relation string) ([]Instance, error) {
	cms, err := s.client.CoreV1().ConfigMaps(s.namespace).List(context.Background(), metav1.ListOptions{
		LabelSelector: RelationLabel + "=" + relation,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "list relation %s ConfigMaps", relation)
	}

	out := make([]Instance, 0, len(cms.Items))
	for i := range cms.Items {
		cm := &cms.Items[i]
		id, err := strconv.Atoi(cm.Labels[RelationIDLabel])
		if err != nil {
			klog.Warningf("Ignoring relation ConfigMap %s with malformed ID label: %v", cm.Name, err)
			continue
		}
		out = append(out, Instance{ID: id, RemoteApp: s.remoteApp(cm)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RemoteData ...
func (s *ConfigMapStore) RemoteData(relation string, id int) (Databag, error) {
	cm, err := s.get(relation, id)
	if err != nil {
		return nil, err
	}
	return parseBag(cm.Data[s.remoteApp(cm)])
}

// LocalData ...
func (s *ConfigMapStore) LocalData(relation string, id int) (Databag, error) {
	cm, err := s.get(relation, id)
	if err != nil {
		return nil, err
	}
	return parseBag(cm.Data[s.localApp])
}

// PutLocalData ...
func (s *ConfigMapStore) PutLocalData(relation string, id int, data Databag) error {
	cm, err := s.get(relation, id)
	if err != nil {
		return err
	}
	serialized, err := serializeBag(data)
	if err != nil {
		return errors.Wrapf(err, "serialize relation %s databag", relation)
	}
	if cm.Data == nil {
		cm.Data = map[string]string{}
	}
	cm.Data[s.localApp] = serialized
	_, err = s.client.CoreV1().ConfigMaps(s.namespace).Update(context.Background(), cm, metav1.UpdateOptions{})
	return errors.Wrapf(err, "update relation %s instance %d", relation, id)
}

// Watch ...
func (s *ConfigMapStore) Watch(ctx context.Context) (<-chan Event, error) {
	out := make(chan Event, 16)
	go s.watchLoop(ctx, out)
	return out, nil
}

func (s *ConfigMapStore) watchLoop(ctx context.Context, out chan<- Event) {
	defer close(out)
	for {
		if ctx.Err() != nil {
			return
		}
		w, err := s.client.CoreV1().ConfigMaps(s.namespace).Watch(ctx, metav1.ListOptions{
			LabelSelector: RelationLabel,
		})
		if err != nil {
			klog.Warningf("Relation ConfigMap watch failed, retrying: %v", err)
			select {
			case <-time.After(rewatchBackoff):
				continue
			case <-ctx.Done():
				return
			}
		}

		for watchEvent := range w.ResultChan() {
			cm, ok := watchEvent.Object.(*corev1.ConfigMap)
			if !ok {
				continue
			}
			id, err := strconv.Atoi(cm.Labels[RelationIDLabel])
			if err != nil {
				continue
			}
			event := Event{Relation: cm.Labels[RelationLabel], ID: id}
			select {
			case out <- event:
			case <-ctx.Done():
				w.Stop()
				return
			}
		}
		klog.V(2).Info("Relation ConfigMap watch closed, re-establishing")
	}
}

func (s *ConfigMapStore) get(relation string, id int) (*corev1.ConfigMap, error) {
	name := configMapName(relation, id)
	cm, err := s.client.CoreV1().ConfigMaps(s.namespace).Get(context.Background(), name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, errors.Errorf("relation %s has no instance %d", relation, id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get relation %s instance %d", relation, id)
	}
	return cm, nil
}

func (s *ConfigMapStore) remoteApp(cm *corev1.ConfigMap) string {
	for _, app := range strings.Split(cm.Annotations[AppsAnnotation], ",") {
		app = strings.TrimSpace(app)
		if app != "" && app != s.localApp {
			return app
		}
	}
	return ""
}

func configMapName(relation string, id int) string {
	return "relation-" + relation + "-" + strconv.Itoa(id)
}

func parseBag(serialized string) (Databag, error) {
	if serialized == "" {
		return Databag{}, nil
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal([]byte(serialized), &fields); err != nil {
		return nil, errors.Wrap(err, "parse databag")
	}
	bag := make(Databag, len(fields))
	for key, value := range fields {
		bag[key] = string(value)
	}
	return bag, nil
}

func serializeBag(bag Databag) (string, error) {
	fields := make(map[string]json.RawMessage, len(bag))
	for key, value := range bag {
		if !json.Valid([]byte(value)) {
			// Values are stored verbatim; re-encode anything that is not
			// already JSON so the ConfigMap stays parseable.
			raw, err := json.Marshal(value)
			if err != nil {
				return "", err
			}
			fields[key] = raw
			continue
		}
		fields[key] = json.RawMessage(value)
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
