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

package app

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/istio-ecosystem/istio-core-operator/pkg/istioctl"
	"github.com/istio-ecosystem/istio-core-operator/pkg/option"
)

// NewPrecheckCmd validates that the cluster can take an install or upgrade.
func NewPrecheckCmd(ropt *option.RootOption) *cobra.Command {
	istioctlPath := "./istioctl"
	profile := "empty"

	cmd := &cobra.Command{
		Use:   "precheck",
		Short: "Checks whether the cluster can install or upgrade the control plane",
		Run: func(cmd *cobra.Command, args []string) {
			ictl := istioctl.New(istioctlPath, ropt.Namespace, profile, nil)
			if err := ictl.Precheck(); err != nil {
				klog.Errorf("Precheck failed: %v", err)
				os.Exit(1)
			}
			fmt.Fprintln(os.Stdout, "precheck passed")
		},
	}

	cmd.PersistentFlags().StringVar(&istioctlPath, "istioctl-path", istioctlPath, "Path to the istioctl binary")
	cmd.PersistentFlags().StringVar(&profile, "profile", profile, "Base istioctl profile")
	return cmd
}
