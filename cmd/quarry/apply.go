package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	apiv1 "github.com/quarry-sh/quarry/api/v1"
	"github.com/quarry-sh/quarry/pkg/client"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a configuration file",
	Long: `Apply quarry resources from a YAML file.

Examples:
  # Apply a storage class
  quarry apply -f class.yaml

  # Apply a claim
  quarry apply -f claim.yaml`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

// Resource represents a generic quarry resource document.
type Resource struct {
	APIVersion string           `yaml:"apiVersion"`
	Kind       string           `yaml:"kind"`
	Metadata   ResourceMetadata `yaml:"metadata"`
	Spec       yaml.Node        `yaml:"spec"`
}

type ResourceMetadata struct {
	Name string `yaml:"name"`
}

// classSpec mirrors the class file schema in pkg/manager.
type classSpec struct {
	Media       string            `yaml:"media"`
	Replication int               `yaml:"replication"`
	Encrypted   bool              `yaml:"encrypted"`
	Backend     string            `yaml:"backend"`
	MinSize     string            `yaml:"min_size"`
	MaxSize     string            `yaml:"max_size"`
	Default     bool              `yaml:"default"`
	Parameters  map[string]string `yaml:"parameters"`
}

type claimSpec struct {
	Class          string `yaml:"class"`
	Capacity       string `yaml:"capacity"`
	AccessMode     string `yaml:"access_mode"`
	SourceSnapshot string `yaml:"source_snapshot"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %v", err)
	}

	c := apiClient(cmd)

	// A file may hold multiple documents separated by ---.
	dec := yaml.NewDecoder(bytes.NewReader(data))
	for {
		var resource Resource
		if err := dec.Decode(&resource); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("failed to parse YAML: %v", err)
		}

		switch resource.Kind {
		case "StorageClass":
			err = applyClass(c, &resource)
		case "Claim":
			err = applyClaim(c, &resource)
		case "":
			continue
		default:
			return fmt.Errorf("unsupported resource kind: %s", resource.Kind)
		}
		if err != nil {
			return err
		}
	}

	return nil
}

func applyClass(c *client.Client, resource *Resource) error {
	if resource.Metadata.Name == "" {
		return fmt.Errorf("storage class requires metadata.name")
	}

	var spec classSpec
	if err := resource.Spec.Decode(&spec); err != nil {
		return fmt.Errorf("invalid StorageClass spec: %v", err)
	}

	stored, err := c.PutClass(context.Background(), apiv1.Class{
		ID:          resource.Metadata.Name,
		Media:       spec.Media,
		Replication: spec.Replication,
		Encrypted:   spec.Encrypted,
		Backend:     spec.Backend,
		MinSize:     spec.MinSize,
		MaxSize:     spec.MaxSize,
		Default:     spec.Default,
		Parameters:  spec.Parameters,
	})
	if err != nil {
		return fmt.Errorf("failed to apply class %s: %v", resource.Metadata.Name, err)
	}

	fmt.Printf("✓ StorageClass %s applied (%s on %s)\n", stored.ID, stored.Media, stored.Backend)
	return nil
}

func applyClaim(c *client.Client, resource *Resource) error {
	if resource.Metadata.Name == "" {
		return fmt.Errorf("claim requires metadata.name")
	}

	var spec claimSpec
	if err := resource.Spec.Decode(&spec); err != nil {
		return fmt.Errorf("invalid Claim spec: %v", err)
	}

	claim, err := c.CreateClaim(context.Background(), apiv1.CreateClaimRequest{
		Name:             resource.Metadata.Name,
		Class:            spec.Class,
		Capacity:         spec.Capacity,
		AccessMode:       spec.AccessMode,
		SourceSnapshotID: spec.SourceSnapshot,
	})
	if err != nil {
		return fmt.Errorf("failed to apply claim %s: %v", resource.Metadata.Name, err)
	}

	fmt.Printf("✓ Claim %s created (%s)\n", claim.ID, claim.Capacity)
	return nil
}
