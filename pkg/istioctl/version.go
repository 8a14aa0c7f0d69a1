package istioctl

import (
	"github.com/ghodss/yaml"
)

// VersionInfo holds the istioctl client version and the version of the
// installed control plane.
type VersionInfo struct {
	Client       string
	ControlPlane string
}

type versionOutput struct {
	ClientVersion *struct {
		Version string `json:"version"`
	} `json:"clientVersion"`
	MeshVersion []meshVersionEntry `json:"meshVersion"`
}

type meshVersionEntry struct {
	Component string `json:"Component"`
	Info      *struct {
		Version string `json:"version"`
	} `json:"Info"`
}

func parseVersionOutput(raw []byte) (*VersionInfo, error) {
	parsed := versionOutput{}
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, &Error{Message: "failed to parse istioctl version output: " + err.Error(), ReturnCode: -1}
	}

	client, err := clientVersion(&parsed)
	if err != nil {
		return nil, err
	}
	controlPlane, err := controlPlaneVersion(&parsed)
	if err != nil {
		return nil, err
	}
	return &VersionInfo{Client: client, ControlPlane: controlPlane}, nil
}

func clientVersion(parsed *versionOutput) (string, error) {
	if parsed.ClientVersion == nil || parsed.ClientVersion.Version == "" {
		return "", &Error{Message: "failed to get client version - no version found in output", ReturnCode: -1}
	}
	return parsed.ClientVersion.Version, nil
}

// controlPlaneVersion requires exactly one mesh whose component is the
// pilot.  Zero or multiple meshes is a topology the caller cannot safely
// interpret, so both are errors.
func controlPlaneVersion(parsed *versionOutput) (string, error) {
	if parsed.MeshVersion == nil {
		return "", controlPlaneError("no control plane found")
	}
	if len(parsed.MeshVersion) == 0 {
		return "", controlPlaneError("no mesh found")
	}
	if len(parsed.MeshVersion) > 1 {
		return "", controlPlaneError("too many meshes found")
	}

	mesh := parsed.MeshVersion[0]
	if mesh.Component != "pilot" || mesh.Info == nil || mesh.Info.Version == "" {
		return "", controlPlaneError("no control plane found")
	}
	return mesh.Info.Version, nil
}

func controlPlaneError(message string) *Error {
	return &Error{Message: "failed to get control plane version - " + message, ReturnCode: -1}
}
