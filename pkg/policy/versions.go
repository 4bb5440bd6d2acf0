package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/invoicemind-labs/invoicemind/pkg/config"
)

// artifactDirs maps each version key to its bundle subdirectory.
var artifactDirs = map[string]string{
	"prompt_version":   "prompts",
	"template_version": "templates",
	"routing_version":  "routing",
	"policy_version":   "policies",
	"model_version":    "models",
}

// VersionSnapshot pins the configuration state a decision ran under:
// active version tags, content hashes of their artifact bundles, and
// runtime parameters.
type VersionSnapshot struct {
	Versions       map[string]string `json:"versions"`
	ArtifactHashes map[string]string `json:"artifact_hashes"`
	Runtime        map[string]string `json:"runtime"`
}

// VersionSnapshotter resolves active versions, preferring an
// active_versions.yaml in the config bundle over static configuration.
type VersionSnapshotter struct {
	cfg *config.Config
}

// NewVersionSnapshotter returns a snapshotter bound to cfg.
func NewVersionSnapshotter(cfg *config.Config) *VersionSnapshotter {
	return &VersionSnapshotter{cfg: cfg}
}

// ActiveVersions returns the version tag per component.
func (s *VersionSnapshotter) ActiveVersions() map[string]string {
	versions := map[string]string{
		"prompt_version":   s.cfg.PromptVersion,
		"template_version": s.cfg.TemplateVersion,
		"routing_version":  s.cfg.RoutingVersion,
		"policy_version":   s.cfg.PolicyVersion,
		"model_version":    s.cfg.ModelVersion,
	}
	if s.cfg.ConfigBundleRoot == "" {
		return versions
	}
	data, err := os.ReadFile(filepath.Join(s.cfg.ConfigBundleRoot, "active_versions.yaml"))
	if err != nil {
		return versions
	}
	var overrides map[string]string
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return versions
	}
	for key := range versions {
		if v, ok := overrides[key]; ok && v != "" {
			versions[key] = v
		}
	}
	return versions
}

// Snapshot resolves versions and hashes each component's artifact bundle.
func (s *VersionSnapshotter) Snapshot() VersionSnapshot {
	versions := s.ActiveVersions()
	hashes := make(map[string]string, len(versions))
	for key, value := range versions {
		hashes[key] = s.hashArtifactBundle(key, value)
	}
	return VersionSnapshot{
		Versions:       versions,
		ArtifactHashes: hashes,
		Runtime: map[string]string{
			"model_runtime":      s.cfg.ModelRuntime,
			"model_quantization": s.cfg.ModelQuantization,
		},
	}
}

// hashArtifactBundle digests every file under the component's versioned
// bundle directory, path-then-content, in sorted order. Returns "missing"
// when the bundle does not exist on disk.
func (s *VersionSnapshotter) hashArtifactBundle(versionKey, versionValue string) string {
	subdir, ok := artifactDirs[versionKey]
	if !ok || s.cfg.ConfigBundleRoot == "" {
		return "missing"
	}
	base := filepath.Join(s.cfg.ConfigBundleRoot, subdir, versionValue)

	var files []string
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil || len(files) == 0 {
		return "missing"
	}
	sort.Strings(files)

	digest := sha256.New()
	for _, file := range files {
		rel, err := filepath.Rel(base, file)
		if err != nil {
			return "missing"
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return "missing"
		}
		digest.Write([]byte(filepath.ToSlash(rel)))
		digest.Write(data)
	}
	return hex.EncodeToString(digest.Sum(nil))
}
