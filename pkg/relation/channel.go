package relation

import (
	"context"
	"encoding/json"
	"reflect"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// AppData is implemented by interface schemas exchanged over a relation.
// Validate is run on every read and before every write.
type AppData interface {
	Validate() error
}

// Channel is a typed view over one side's databags of a named relation.
// One concrete interface is one schema type plus a Channel instantiation;
// there is no per-interface subclassing.
//
// Publish writes to the local databag and must only be called by the unit
// holding write authority.  The channel does not re-check leadership; gating
// is the caller's responsibility.
type Channel[T AppData] struct {
	store Store
	name  string
}

// NewChannel ...
func NewChannel[T AppData](store Store, relationName string) *Channel[T] {
	return &Channel[T]{store: store, name: relationName}
}

// Name returns the relation name.
func (c *Channel[T]) Name() string {
	return c.name
}

// Relations returns the formed instances for this relation.
func (c *Channel[T]) Relations() ([]Instance, error) {
	return c.store.List(c.name)
}

// Publish serializes data into the local databag of every relation
// instance, overwriting prior local data.
func (c *Channel[T]) Publish(data T) error {
	instances, err := c.Relations()
	if err != nil {
		return errors.Wrapf(err, "list %s relations", c.name)
	}
	for _, instance := range instances {
		if err := c.PublishTo(instance.ID, data); err != nil {
			return err
		}
	}
	return nil
}

// PublishTo serializes data into the local databag of a single relation
// instance.  Used by interfaces that answer each remote application with a
// distinct payload.
func (c *Channel[T]) PublishTo(id int, data T) error {
	if err := data.Validate(); err != nil {
		return errors.Wrapf(err, "refusing to publish invalid %s data", c.name)
	}
	bag, err := encode(data)
	if err != nil {
		return errors.Wrapf(err, "encode %s data", c.name)
	}
	if err := c.store.PutLocalData(c.name, id, bag); err != nil {
		return errors.Wrapf(err, "publish %s data to instance %d", c.name, id)
	}
	klog.V(4).Infof("Published %s data to relation instance %d", c.name, id)
	return nil
}

// GetData returns the remote application's data for a relation expected to
// have exactly one related application.  It returns nil when no relation is
// formed or the remote databag is empty, a *ValidationError when the databag
// is present but invalid, and a *MultipleRelatedApplicationsError when more
// than one instance exists.
func (c *Channel[T]) GetData() (*T, error) {
	instances, err := c.Relations()
	if err != nil {
		return nil, errors.Wrapf(err, "list %s relations", c.name)
	}
	if len(instances) == 0 {
		return nil, nil
	}
	if len(instances) > 1 {
		return nil, &MultipleRelatedApplicationsError{Relation: c.name, Count: len(instances)}
	}
	return c.DataFor(instances[0].ID)
}

// DataFor returns the remote application's data for one relation instance,
// nil when the databag is absent or empty.
func (c *Channel[T]) DataFor(id int) (*T, error) {
	bag, err := c.store.RemoteData(c.name, id)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s remote data for instance %d", c.name, id)
	}
	return decode[T](c.name, id, bag)
}

// GetDataFromAllRelations returns one entry per relation instance in
// relation order, nil for instances without usable data.  It never fails on
// multiplicity; validation failures are logged and yield nil entries.
func (c *Channel[T]) GetDataFromAllRelations() ([]*T, error) {
	instances, err := c.Relations()
	if err != nil {
		return nil, errors.Wrapf(err, "list %s relations", c.name)
	}
	out := make([]*T, 0, len(instances))
	for _, instance := range instances {
		data, err := c.DataFor(instance.ID)
		if err != nil {
			if IsValidationError(err) {
				klog.Warningf("Ignoring invalid data on relation %s instance %d: %v", c.name, instance.ID, err)
				out = append(out, nil)
				continue
			}
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

// IsReady reports convergence, not mere presence: it is true iff for every
// relation instance the locally published data equals want field for field.
// Callers recompute want fresh on every check.
func (c *Channel[T]) IsReady(want T) bool {
	wantBag, err := encode(want)
	if err != nil {
		klog.Warningf("Cannot encode desired %s data: %v", c.name, err)
		return false
	}
	instances, err := c.Relations()
	if err != nil {
		klog.Warningf("Cannot list %s relations: %v", c.name, err)
		return false
	}
	for _, instance := range instances {
		bag, err := c.store.LocalData(c.name, instance.ID)
		if err != nil || len(bag) == 0 {
			return false
		}
		if !reflect.DeepEqual(map[string]string(bag), map[string]string(wantBag)) {
			return false
		}
	}
	return true
}

// Changes returns an edge-triggered notification stream: one empty
// notification per underlying change event on this relation, no payload.
// Consumers re-read through GetData.  The stream closes when ctx is done.
func (c *Channel[T]) Changes(ctx context.Context) (<-chan struct{}, error) {
	events, err := c.store.Watch(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "watch %s relations", c.name)
	}
	out := make(chan struct{})
	go func() {
		defer close(out)
		for event := range events {
			if event.Relation != c.name {
				continue
			}
			select {
			case out <- struct{}{}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// encode marshals a schema value into a flat databag whose values are
// JSON-encoded.
func encode(v interface{}) (Databag, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	bag := make(Databag, len(fields))
	for key, value := range fields {
		bag[key] = string(value)
	}
	return bag, nil
}

// decode parses a databag into the schema type.  Empty databags decode to
// nil; undecodable or schema-invalid databags yield a *ValidationError.
// Keys unknown to the schema are ignored.
func decode[T AppData](relation string, id int, bag Databag) (*T, error) {
	if len(bag) == 0 {
		return nil, nil
	}
	fields := make(map[string]json.RawMessage, len(bag))
	for key, value := range bag {
		if !json.Valid([]byte(value)) {
			return nil, &ValidationError{Relation: relation, ID: id,
				Reason: errors.Errorf("key %q holds malformed JSON", key)}
		}
		fields[key] = json.RawMessage(value)
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, &ValidationError{Relation: relation, ID: id, Reason: err}
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &ValidationError{Relation: relation, ID: id, Reason: err}
	}
	if err := out.Validate(); err != nil {
		return nil, &ValidationError{Relation: relation, ID: id, Reason: err}
	}
	return &out, nil
}
