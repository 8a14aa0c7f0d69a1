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
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	securityv1 "istio.io/client-go/pkg/apis/security/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/istio-ecosystem/istio-core-operator/pkg/config"
	"github.com/istio-ecosystem/istio-core-operator/pkg/healthcheck"
	"github.com/istio-ecosystem/istio-core-operator/pkg/kube"
	"github.com/istio-ecosystem/istio-core-operator/pkg/leadership"
	"github.com/istio-ecosystem/istio-core-operator/pkg/operator"
	"github.com/istio-ecosystem/istio-core-operator/pkg/option"
	"github.com/istio-ecosystem/istio-core-operator/pkg/relation"
	"github.com/istio-ecosystem/istio-core-operator/pkg/router"
	"github.com/istio-ecosystem/istio-core-operator/pkg/version"
)

// NewOperatorCmd runs the reconcile engine.
func NewOperatorCmd(ropt *option.RootOption) *cobra.Command {
	opt := option.DefaultOperatorOption()
	meshCfg := &config.MeshConfig{}

	cmd := &cobra.Command{
		Use:     "operator",
		Aliases: []string{"op"},
		Short:   "Runs the control loop converging the Istio control plane",
		Run: func(cmd *cobra.Command, args []string) {
			PrintFlags(cmd.Flags())
			fmt.Fprintf(os.Stdout, "version: %v\n", version.GetVersion())

			if err := run(ropt, opt, meshCfg); err != nil {
				klog.Errorf("Operator exited: %v", err)
				os.Exit(1)
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opt.AppName, "app-name", opt.AppName, "Application name used in ownership labels and field manager")
	cmd.PersistentFlags().StringVar(&opt.IstioctlPath, "istioctl-path", opt.IstioctlPath, "Path to the istioctl binary")
	cmd.PersistentFlags().StringVar(&opt.Profile, "profile", opt.Profile, "Base istioctl profile")
	cmd.PersistentFlags().StringVar(&opt.GatewayAPICRDsManifest, "gateway-crds-manifest", opt.GatewayAPICRDsManifest, "Path to the bundled Gateway API CRDs manifest")
	cmd.PersistentFlags().StringVar(&opt.RelationStoreBackend, "relation-store", opt.RelationStoreBackend, "Relation storage backend: memory, configmap or zookeeper")
	cmd.PersistentFlags().StringSliceVar(&opt.ZKServers, "zk-servers", opt.ZKServers, "ZooKeeper ensemble for the zookeeper relation store")
	cmd.PersistentFlags().StringVar(&opt.ZKRoot, "zk-root", opt.ZKRoot, "ZooKeeper chroot for relation data")
	cmd.PersistentFlags().StringVar(&opt.DeploymentName, "deployment-name", opt.DeploymentName, "Operator Deployment whose replica count pins the istiod HPA")
	cmd.PersistentFlags().StringVar(&opt.MetricsProxyDeployment, "metrics-proxy-deployment", opt.MetricsProxyDeployment, "Metrics forwarding Deployment to keep aligned with telemetry labels")
	cmd.PersistentFlags().StringVar(&opt.LeaseName, "lease-name", opt.LeaseName, "Lease used for leader election")
	cmd.PersistentFlags().StringVar(&opt.Addr, "addr", opt.Addr, "Admin server listen address")
	cmd.PersistentFlags().BoolVar(&opt.GinLogEnabled, "enable-ginlog", opt.GinLogEnabled, "Enable gin request logging")
	cmd.PersistentFlags().BoolVar(&opt.PprofEnabled, "enable-pprof", opt.PprofEnabled, "Enable pprof endpoints")
	cmd.PersistentFlags().BoolVar(&opt.MetricsEnabled, "enable-metrics", opt.MetricsEnabled, "Enable the Prometheus metrics endpoint")
	cmd.PersistentFlags().DurationVar(&opt.DebounceWait, "debounce-wait", opt.DebounceWait, "Quiet period before a reconcile")
	cmd.PersistentFlags().DurationVar(&opt.DebounceMaxWait, "debounce-max-wait", opt.DebounceMaxWait, "Upper bound on reconcile delay under a steady event stream")

	cmd.PersistentFlags().BoolVar(&meshCfg.Ambient, "ambient", false, "Install the mesh in ambient mode")
	cmd.PersistentFlags().StringVar(&meshCfg.Platform, "platform", "", "Platform the cluster runs on, empty for none")
	cmd.PersistentFlags().BoolVar(&meshCfg.AutoAllowWaypointPolicy, "auto-allow-waypoint-policy", false, "Set PILOT_AUTO_ALLOW_WAYPOINT_POLICY on istiod")
	cmd.PersistentFlags().BoolVar(&meshCfg.GlobalAllowNothingPolicy, "global-allow-nothing-policy", true, "Manage mesh-wide deny-by-default AuthorizationPolicies")

	return cmd
}

func run(ropt *option.RootOption, opt *option.OperatorOption, meshCfg *config.MeshConfig) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	restCfg, err := kube.GetConfigWithContext(ropt.Kubeconfig, ropt.ConfigContext)
	if err != nil {
		return errors.Wrap(err, "load kubeconfig")
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
		return errors.Wrap(err, "build cluster client")
	}

	store, err := buildStore(opt, ropt.Namespace, kubeClient)
	if err != nil {
		return err
	}

	tracker, err := leadership.NewLeaseTracker(kubeClient, ropt.Namespace, opt.LeaseName)
	if err != nil {
		return errors.Wrap(err, "build leader tracker")
	}
	go tracker.Run(ctx)

	// The flag values are bound once; every reconcile gets a fresh copy so a
	// pass never sees a half-applied update.
	configFn := func() (*config.MeshConfig, error) {
		cfg := *meshCfg
		return &cfg, nil
	}

	op := operator.New(opt, ropt.Namespace, ctrlClient, kubeClient, store, tracker, configFn)

	r := router.NewRouter(&router.Options{
		GinLogEnabled:  opt.GinLogEnabled,
		GinLogSkipPath: []string{router.LivePath, router.ReadyPath},
		PprofEnabled:   opt.PprofEnabled,
		MetricsEnabled: opt.MetricsEnabled,
		Addr:           opt.Addr,
	})
	health := healthcheck.NewHandler()
	health.AddReadinessCheck("reconcile", op.ReadinessCheck)
	r.AddRoutes(r.DefaultRoutes())
	r.AddRoutes(health.Routes())
	r.AddRoutes([]*router.Route{{
		Method: "GET",
		Path:   "/status",
		Handler: func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"leader":  tracker.IsLeader(),
				"message": op.StatusMessage(),
			})
		},
		Desc: "replica role and standby status",
	}})
	go r.Start(ctx.Done())

	return op.Run(ctx)
}

func buildStore(opt *option.OperatorOption, namespace string, kubeClient kubernetes.Interface) (relation.Store, error) {
	switch opt.RelationStoreBackend {
	case "memory":
		return relation.NewMemoryStore(), nil
	case "configmap":
		return relation.NewConfigMapStore(kubeClient, namespace, opt.AppName), nil
	case "zookeeper":
		if len(opt.ZKServers) == 0 {
			return nil, errors.New("zookeeper relation store requires --zk-servers")
		}
		return relation.NewZKStore(opt.ZKServers, opt.ZKRoot, opt.AppName)
	default:
		return nil, errors.Errorf("unknown relation store backend %q", opt.RelationStoreBackend)
	}
}
