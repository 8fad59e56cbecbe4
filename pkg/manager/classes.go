package manager

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/quarry-sh/quarry/pkg/errdefs"
	"github.com/quarry-sh/quarry/pkg/types"
)

// classFile is the on-disk format for storage class definitions.
type classFile struct {
	Classes []classSpec `yaml:"classes"`
}

type classSpec struct {
	ID          string            `yaml:"id"`
	Media       string            `yaml:"media"`
	Replication int               `yaml:"replication"`
	Encrypted   bool              `yaml:"encrypted"`
	Backend     string            `yaml:"backend"`
	MinSize     string            `yaml:"min_size"`
	MaxSize     string            `yaml:"max_size"`
	Default     bool              `yaml:"default"`
	Parameters  map[string]string `yaml:"parameters"`
}

// LoadClassFile parses a YAML storage class file into class records.
// Sizes are human-readable capacities ("10Gi", "1Ti"); an empty size
// means unbounded on that side.
func LoadClassFile(path string) ([]*types.StorageClass, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read class file: %w", err)
	}

	var file classFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse class file: %w", err)
	}

	classes := make([]*types.StorageClass, 0, len(file.Classes))
	defaults := 0
	for _, spec := range file.Classes {
		class, err := spec.toClass()
		if err != nil {
			return nil, err
		}
		if class.Default {
			defaults++
		}
		classes = append(classes, class)
	}

	if defaults > 1 {
		return nil, errdefs.Validationf("class file declares %d default classes, want at most one", defaults)
	}

	return classes, nil
}

func (s classSpec) toClass() (*types.StorageClass, error) {
	if s.ID == "" {
		return nil, errdefs.Validationf("storage class requires an id")
	}
	if s.Backend == "" {
		return nil, errdefs.Validationf("storage class %s requires a backend", s.ID)
	}

	media := types.MediaType(s.Media)
	switch media {
	case types.MediaSSD, types.MediaHDD, types.MediaNVMe:
	case "":
		media = types.MediaSSD
	default:
		return nil, errdefs.Validationf("storage class %s has unknown media %q", s.ID, s.Media)
	}

	replication := s.Replication
	if replication <= 0 {
		replication = 1
	}

	var minBytes, maxBytes int64
	var err error
	if s.MinSize != "" {
		if minBytes, err = types.ParseCapacity(s.MinSize); err != nil {
			return nil, errdefs.Validationf("storage class %s min_size: %v", s.ID, err)
		}
	}
	if s.MaxSize != "" {
		if maxBytes, err = types.ParseCapacity(s.MaxSize); err != nil {
			return nil, errdefs.Validationf("storage class %s max_size: %v", s.ID, err)
		}
	}
	if minBytes > 0 && maxBytes > 0 && minBytes > maxBytes {
		return nil, errdefs.Validationf("storage class %s min_size exceeds max_size", s.ID)
	}

	return &types.StorageClass{
		ID:                s.ID,
		Media:             media,
		ReplicationFactor: replication,
		Encrypted:         s.Encrypted,
		Backend:           s.Backend,
		MinBytes:          minBytes,
		MaxBytes:          maxBytes,
		Default:           s.Default,
		Parameters:        s.Parameters,
	}, nil
}
