package istioctl

import (
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

const versionYAML = `clientVersion:
  version: 1.23.2
meshVersion:
- Component: pilot
  Info:
    version: 1.23.2
`

func stubbed(ictl *Istioctl, out string, err error) *[][]string {
	calls := &[][]string{}
	ictl.run = func(path string, args ...string) ([]byte, error) {
		*calls = append(*calls, append([]string{path}, args...))
		if err != nil {
			return nil, err
		}
		return []byte(out), nil
	}
	return calls
}

var _ = Describe("SettingsToArgs", func() {
	It("renders sorted --set pairs", func() {
		args := SettingsToArgs(map[string]string{"k2": "v2", "k1": "v1"})
		Expect(args).To(Equal([]string{"--set", "k1=v1", "--set", "k2=v2"}))
	})
})

var _ = Describe("Istioctl", func() {
	var ictl *Istioctl

	BeforeEach(func() {
		ictl = New("./istioctl", "istio-system", "empty", map[string]string{
			"meshConfig.accessLogFile": "/dev/stdout",
		})
	})

	It("merges base settings with overrides, overrides winning", func() {
		ictl.SettingOverrides["profile"] = "ambient"
		calls := stubbed(ictl, "", nil)
		Expect(ictl.Install()).To(Succeed())

		Expect(*calls).To(HaveLen(1))
		joined := strings.Join((*calls)[0], " ")
		Expect(joined).To(ContainSubstring("install -y"))
		Expect(joined).To(ContainSubstring("--set profile=ambient"))
		Expect(joined).NotTo(ContainSubstring("profile=empty"))
		Expect(joined).To(ContainSubstring("--set values.global.istioNamespace=istio-system"))
	})

	Describe("ManifestGenerate", func() {
		It("enables each requested component", func() {
			calls := stubbed(ictl, "apiVersion: v1\nkind: Namespace\nmetadata:\n  name: x\n", nil)
			out, err := ictl.ManifestGenerate([]string{"pilot", "cni", "ztunnel"}, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(ContainSubstring("kind: Namespace"))

			joined := strings.Join((*calls)[0], " ")
			Expect(joined).To(ContainSubstring("manifest generate"))
			Expect(joined).To(ContainSubstring("--set components.pilot.enabled=true"))
			Expect(joined).To(ContainSubstring("--set components.cni.enabled=true"))
			Expect(joined).To(ContainSubstring("--set components.ztunnel.enabled=true"))
		})

		It("applies overrides to the generated manifest", func() {
			generated := "apiVersion: v1\nkind: ConfigMap\nmetadata:\n  name: istio\n  namespace: istio-system\ndata:\n  a: \"1\"\n"
			stubbed(ictl, generated, nil)
			override := &unstructured.Unstructured{Object: map[string]interface{}{
				"kind": "ConfigMap",
				"metadata": map[string]interface{}{
					"name":      "istio",
					"namespace": "istio-system",
				},
				"data": map[string]interface{}{"b": "2"},
			}}
			out, err := ictl.ManifestGenerate(nil, []*unstructured.Unstructured{override})
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(ContainSubstring("a: \"1\""))
			Expect(out).To(ContainSubstring("b: \"2\""))
		})

		It("surfaces the return code and stderr on failure", func() {
			stubbed(ictl, "", &Error{
				Message:    "failed to run command ./istioctl manifest generate with error code 1",
				ReturnCode: 1,
				Stderr:     "boom",
			})
			out, err := ictl.ManifestGenerate([]string{"pilot"}, nil)
			Expect(out).To(BeEmpty())

			ierr, ok := err.(*Error)
			Expect(ok).To(BeTrue())
			Expect(ierr.ReturnCode).To(Equal(1))
			Expect(ierr.Stderr).To(Equal("boom"))
			Expect(ierr.Error()).To(ContainSubstring("error code 1"))
		})
	})

	Describe("Version", func() {
		It("parses client and control plane versions", func() {
			stubbed(ictl, versionYAML, nil)
			info, err := ictl.Version()
			Expect(err).NotTo(HaveOccurred())
			Expect(info.Client).To(Equal("1.23.2"))
			Expect(info.ControlPlane).To(Equal("1.23.2"))
		})

		It("fails when the client version is absent", func() {
			stubbed(ictl, "meshVersion:\n- Component: pilot\n  Info:\n    version: 1.23.2\n", nil)
			_, err := ictl.Version()
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("no version found"))
		})

		It("fails when no mesh is reported", func() {
			stubbed(ictl, "clientVersion:\n  version: 1.23.2\nmeshVersion: []\n", nil)
			_, err := ictl.Version()
			Expect(err).To(MatchError(ContainSubstring("no mesh found")))
		})

		It("fails when several meshes are reported", func() {
			out := "clientVersion:\n  version: 1.23.2\nmeshVersion:\n- Component: pilot\n  Info:\n    version: 1.23.2\n- Component: pilot\n  Info:\n    version: 1.22.0\n"
			stubbed(ictl, out, nil)
			_, err := ictl.Version()
			Expect(err).To(MatchError(ContainSubstring("too many meshes found")))
		})

		It("fails when the single mesh is not a pilot", func() {
			out := "clientVersion:\n  version: 1.23.2\nmeshVersion:\n- Component: gateway\n  Info:\n    version: 1.23.2\n"
			stubbed(ictl, out, nil)
			_, err := ictl.Version()
			Expect(err).To(MatchError(ContainSubstring("no control plane found")))
		})
	})

	Describe("Uninstall and Precheck", func() {
		It("purges without settings arguments", func() {
			calls := stubbed(ictl, "", nil)
			Expect(ictl.Uninstall()).To(Succeed())
			Expect((*calls)[0]).To(Equal([]string{"./istioctl", "uninstall", "--purge", "-y"}))
		})

		It("prechecks without settings arguments", func() {
			calls := stubbed(ictl, "", nil)
			Expect(ictl.Precheck()).To(Succeed())
			Expect((*calls)[0]).To(Equal([]string{"./istioctl", "x", "precheck"}))
		})
	})
})
