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

// Package relation implements the declarative data-exchange protocol used to
// coordinate independently deployed operators over shared per-relation
// key-value storage, without direct RPC.
package relation

import "context"

// Databag is one side's data of a relation instance: a flat mapping from
// string keys to JSON-encoded values.  An absent or empty databag means "no
// data yet", which is distinct from present-but-invalid data.
type Databag map[string]string

// Copy returns a shallow copy of the databag.
func (d Databag) Copy() Databag {
	out := make(Databag, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Instance identifies one formed relation between the local application and
// one remote application.  Several instances may exist for the same relation
// name when multiple remote applications share one relation definition.
type Instance struct {
	ID        int
	RemoteApp string
}

// Event signals that the data of one relation instance changed.  It carries
// no payload: consumers re-read through the channel.
type Event struct {
	Relation string
	ID       int
}

// Store is the shared relation-storage substrate.  Implementations must
// tolerate concurrent readers and writers across processes; the protocol's
// consistency discipline is last-write-wins with validate-on-read.
type Store interface {
	// List returns the instances formed for a relation name, in stable
	// order.
	List(relation string) ([]Instance, error)
	// RemoteData returns the remote application's databag for an instance.
	// A missing databag is returned as an empty one.
	RemoteData(relation string, id int) (Databag, error)
	// LocalData returns the local application's databag for an instance.
	LocalData(relation string, id int) (Databag, error)
	// PutLocalData overwrites the local application's databag for an
	// instance.  Only the unit holding write authority may call this; the
	// store does not re-check leadership.
	PutLocalData(relation string, id int, data Databag) error
	// Watch emits one Event per underlying change to relation data visible
	// to this side.  The channel closes when ctx is done.
	Watch(ctx context.Context) (<-chan Event, error)
}
