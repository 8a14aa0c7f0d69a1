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

// Package istioctl wraps invocation of the istioctl binary.
package istioctl

import (
	"bytes"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/klog/v2"

	"github.com/istio-ecosystem/istio-core-operator/pkg/manifest"
)

// Runner executes the wrapped binary and returns its stdout.  A non-zero
// exit must surface as *Error.  It is a struct field so tests can stub the
// subprocess away.
type Runner func(path string, args ...string) ([]byte, error)

// Istioctl is an API to operate the istioctl binary.
type Istioctl struct {
	Path             string
	Namespace        string
	Profile          string
	SettingOverrides map[string]string

	run Runner
}

// New returns an Istioctl wrapping the binary at path.  Setting overrides
// take precedence over the base profile/namespace settings on key collision.
func New(path, namespace, profile string, settingOverrides map[string]string) *Istioctl {
	return &Istioctl{
		Path:             path,
		Namespace:        namespace,
		Profile:          profile,
		SettingOverrides: settingOverrides,
		run:              execRun,
	}
}

// SettingsToArgs renders a settings map as repeated `--set key=value`
// arguments.  Keys are emitted in sorted order so the argument list is
// deterministic for a given map.
func SettingsToArgs(settings map[string]string) []string {
	keys := make([]string, 0, len(settings))
	for key := range settings {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	args := make([]string, 0, 2*len(keys))
	for _, key := range keys {
		args = append(args, "--set", fmt.Sprintf("%s=%s", key, settings[key]))
	}
	return args
}

func (i *Istioctl) args() []string {
	settings := map[string]string{
		"profile":                      i.Profile,
		"values.global.istioNamespace": i.Namespace,
	}
	for key, value := range i.SettingOverrides {
		settings[key] = value
	}
	return SettingsToArgs(settings)
}

// Install installs Istio with `istioctl install`.
func (i *Istioctl) Install() error {
	args := append([]string{"install", "-y"}, i.args()...)
	_, err := i.exec(args...)
	return err
}

// Upgrade upgrades the control plane with `istioctl upgrade`.  The data
// plane is not touched.
func (i *Istioctl) Upgrade() error {
	args := append([]string{"upgrade", "-y"}, i.args()...)
	_, err := i.exec(args...)
	return err
}

// Uninstall purges the Istio installation.
func (i *Istioctl) Uninstall() error {
	_, err := i.exec("uninstall", "--purge", "-y")
	return err
}

// Precheck runs `istioctl x precheck` to validate that the environment can
// be installed or upgraded.  Exact version compatibility is the caller's
// concern.
func (i *Istioctl) Precheck() error {
	_, err := i.exec("x", "precheck")
	return err
}

// ManifestGenerate renders the Kubernetes manifest for the given components
// with `istioctl manifest generate`.  Each component name becomes a
// `components.<name>.enabled=true` setting on top of the adapter settings.
// When overrides are given they are deep-merged into matching manifest
// documents before the result is returned.
func (i *Istioctl) ManifestGenerate(components []string, overrides []*unstructured.Unstructured) (string, error) {
	settings := map[string]string{}
	for _, component := range components {
		settings[fmt.Sprintf("components.%s.enabled", component)] = "true"
	}

	args := append([]string{"manifest", "generate"}, i.args()...)
	args = append(args, SettingsToArgs(settings)...)
	out, err := i.exec(args...)
	if err != nil {
		return "", err
	}

	if len(overrides) == 0 {
		return string(out), nil
	}
	return manifest.Apply(string(out), overrides)
}

// Version reports the istioctl client version and the control plane version
// of the single installed mesh.
func (i *Istioctl) Version() (*VersionInfo, error) {
	out, err := i.exec("version", "-i="+i.Namespace, "-o=yaml")
	if err != nil {
		return nil, err
	}
	return parseVersionOutput(out)
}

func (i *Istioctl) exec(args ...string) ([]byte, error) {
	klog.Infof("Running command: %s %s", i.Path, strings.Join(args, " "))
	out, err := i.run(i.Path, args...)
	if err != nil {
		if ierr, ok := err.(*Error); ok {
			klog.Errorf("%s", ierr.Message)
			klog.Errorf("stderr: %s", ierr.Stderr)
		}
		return nil, err
	}
	return out, nil
}

func execRun(path string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.Command(path, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		returnCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			returnCode = exitErr.ExitCode()
		}
		return nil, &Error{
			Message: fmt.Sprintf("failed to run command %s %s with error code %d",
				path, strings.Join(args, " "), returnCode),
			ReturnCode: returnCode,
			Stdout:     stdout.String(),
			Stderr:     stderr.String(),
		}
	}
	return stdout.Bytes(), nil
}
