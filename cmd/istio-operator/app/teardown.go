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
	"context"
	"os"

	"github.com/spf13/cobra"
	securityv1 "istio.io/client-go/pkg/apis/security/v1"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/istio-ecosystem/istio-core-operator/pkg/config"
	"github.com/istio-ecosystem/istio-core-operator/pkg/istioctl"
	"github.com/istio-ecosystem/istio-core-operator/pkg/kube"
	"github.com/istio-ecosystem/istio-core-operator/pkg/leadership"
	"github.com/istio-ecosystem/istio-core-operator/pkg/operator"
	"github.com/istio-ecosystem/istio-core-operator/pkg/option"
	"github.com/istio-ecosystem/istio-core-operator/pkg/relation"
)

// NewTeardownCmd deletes every managed resource and optionally purges the
// installation through istioctl.
func NewTeardownCmd(ropt *option.RootOption) *cobra.Command {
	opt := option.DefaultOperatorOption()
	uninstall := false

	cmd := &cobra.Command{
		Use:   "teardown",
		Short: "Deletes all managed resources of every reconcile scope",
		Run: func(cmd *cobra.Command, args []string) {
			if err := teardown(ropt, opt, uninstall); err != nil {
				klog.Errorf("Teardown failed: %v", err)
				os.Exit(1)
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opt.AppName, "app-name", opt.AppName, "Application name used in ownership labels")
	cmd.PersistentFlags().StringVar(&opt.IstioctlPath, "istioctl-path", opt.IstioctlPath, "Path to the istioctl binary")
	cmd.PersistentFlags().BoolVar(&uninstall, "uninstall", false, "Also run istioctl uninstall --purge")
	return cmd
}

func teardown(ropt *option.RootOption, opt *option.OperatorOption, uninstall bool) error {
	ctx := context.Background()

	restCfg, err := kube.GetConfigWithContext(ropt.Kubeconfig, ropt.ConfigContext)
	if err != nil {
		return err
	}
	kubeClient, err := kube.GetKubeInterface(restCfg)
	if err != nil {
		return err
	}
	scheme := runtime.NewScheme()
	if err := clientgoscheme.AddToScheme(scheme); err != nil {
		return err
	}
	if err := securityv1.AddToScheme(scheme); err != nil {
		return err
	}
	ctrlClient, err := client.New(restCfg, client.Options{Scheme: scheme})
	if err != nil {
		return err
	}

	// Teardown is an explicit administrative action, not a replica racing
	// its peers, so it does not contend for the lease.
	op := operator.New(opt, ropt.Namespace, ctrlClient, kubeClient,
		relation.NewMemoryStore(), leadership.StaticTracker{Leader: true},
		func() (*config.MeshConfig, error) { return &config.MeshConfig{}, nil })

	if err := op.Remove(ctx); err != nil {
		return err
	}

	if uninstall {
		ictl := istioctl.New(opt.IstioctlPath, ropt.Namespace, opt.Profile, nil)
		return ictl.Uninstall()
	}
	return nil
}
