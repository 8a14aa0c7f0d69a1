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

// Package leadership elects one writer per application.  Only the leading
// replica mutates relation databags and applies cluster resources; the
// others reconcile to a standby state.  Leadership is revocable, so callers
// must re-check IsLeader immediately before every gated write.
package leadership

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"
	"k8s.io/klog/v2"
)

// Tracker answers the single question the control loop asks.
type Tracker interface {
	IsLeader() bool
}

// LeaseTracker runs a Lease-based election and tracks the outcome.
type LeaseTracker struct {
	elector *leaderelection.LeaderElector
	leading atomic.Bool
	id      string
}

// NewLeaseTracker builds a tracker electing on the named Lease.  Run must be
// called for the election to make progress.
func NewLeaseTracker(client kubernetes.Interface, namespace, leaseName string) (*LeaseTracker, error) {
	host, err := os.Hostname()
	if err != nil {
		return nil, errors.Wrap(err, "determine hostname")
	}
	suffix, err := uuid.NewV4()
	if err != nil {
		return nil, errors.Wrap(err, "generate holder identity")
	}
	t := &LeaseTracker{id: host + "_" + suffix.String()}

	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{Name: leaseName, Namespace: namespace},
		Client:    client.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: t.id,
		},
	}
	elector, err := leaderelection.NewLeaderElector(leaderelection.LeaderElectionConfig{
		Lock:            lock,
		LeaseDuration:   15 * time.Second,
		RenewDeadline:   10 * time.Second,
		RetryPeriod:     2 * time.Second,
		ReleaseOnCancel: true,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: func(context.Context) {
				t.leading.Store(true)
				klog.Infof("Acquired leadership as %s", t.id)
			},
			OnStoppedLeading: func() {
				t.leading.Store(false)
				klog.Warningf("Lost leadership as %s", t.id)
			},
			OnNewLeader: func(identity string) {
				if identity != t.id {
					klog.Infof("Current leader is %s", identity)
				}
			},
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "build leader elector")
	}
	t.elector = elector
	return t, nil
}

// Run participates in the election until ctx is done, re-entering after the
// lease is lost so the replica can be re-elected.
func (t *LeaseTracker) Run(ctx context.Context) {
	for ctx.Err() == nil {
		t.elector.Run(ctx)
	}
}

// IsLeader ...
func (t *LeaseTracker) IsLeader() bool {
	return t.leading.Load()
}

// Identity returns the holder identity used in the election.
func (t *LeaseTracker) Identity() string {
	return t.id
}

// StaticTracker is a fixed-answer Tracker for tests and single-replica runs.
type StaticTracker struct {
	Leader bool
}

// IsLeader ...
func (t StaticTracker) IsLeader() bool {
	return t.Leader
}
