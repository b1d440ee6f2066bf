package profile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/projectfs/internal/catalog"
)

const (
	RegistryFileName = "profiles.yaml"
	MetadataFileName = "profile.yaml"
	registryVersion  = 1
	maxNameLength    = 64
	maxDisplayLength = 128
)

var profileNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// registryFile maps profile names to their directories. Relative paths are
// resolved against the profile root.
type registryFile struct {
	Version  int               `yaml:"version"`
	Active   string            `yaml:"active,omitempty"`
	Profiles map[string]string `yaml:"profiles"`
}

func newRegistry() registryFile {
	return registryFile{Version: registryVersion, Profiles: map[string]string{}}
}

func loadRegistry(path string) (registryFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return newRegistry(), nil
		}
		return registryFile{}, err
	}
	reg := newRegistry()
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return registryFile{}, &catalog.CorruptStateError{Path: path, Err: err}
	}
	if reg.Version > registryVersion {
		return registryFile{}, &catalog.UnsupportedVersionError{Path: path, Version: reg.Version, Supported: registryVersion}
	}
	if reg.Profiles == nil {
		reg.Profiles = map[string]string{}
	}
	return reg, nil
}

func saveRegistry(path string, reg registryFile) error {
	reg.Version = registryVersion
	data, err := yaml.Marshal(reg)
	if err != nil {
		return err
	}
	return catalog.WriteFileAtomic(path, data, 0o644)
}

// Info is the per-profile metadata kept next to the profile's stores.
type Info struct {
	DisplayName string `yaml:"display_name" json:"displayName"`
	BaseURL     string `yaml:"base_url,omitempty" json:"baseUrl,omitempty"`
}

func (i Info) Validate() error {
	return validation.ValidateStruct(&i,
		validation.Field(&i.DisplayName, validation.Length(0, maxDisplayLength)),
		validation.Field(&i.BaseURL, is.URL),
	)
}

func loadInfo(path, name string) (Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Info{DisplayName: name}, nil
		}
		return Info{}, err
	}
	var info Info
	if err := yaml.Unmarshal(data, &info); err != nil {
		return Info{}, &catalog.CorruptStateError{Path: path, Err: err}
	}
	if info.DisplayName == "" {
		info.DisplayName = name
	}
	return info, nil
}

func saveInfo(path string, info Info) error {
	data, err := yaml.Marshal(info)
	if err != nil {
		return err
	}
	return catalog.WriteFileAtomic(path, data, 0o644)
}

func ValidateName(name string) error {
	err := validation.Validate(name,
		validation.Required,
		validation.Length(1, maxNameLength),
		validation.Match(profileNamePattern),
	)
	if err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidName, name, err)
	}
	return nil
}

func isProfileDir(dir string) bool {
	for _, name := range []string{MetadataFileName, catalog.LocalStateFileName, catalog.SnapshotFileName} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}
