package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/bos/pkg/api"
	"github.com/cuemby/bos/pkg/types"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Create or update a session template from a YAML manifest",
	Long: `Apply a session template manifest to a running BOS API.

The manifest is the JSON template schema expressed as YAML:

  name: compute-nodes
  enable_cfs: true
  cfs:
    configuration: compute-config
  boot_sets:
    compute:
      node_roles_groups: [Compute]
      arch: X86
      path: s3://boot-images/<image-id>/manifest.json
      rootfs_provider: sbps`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		apiURL, _ := cmd.Flags().GetString("api")
		tenant, _ := cmd.Flags().GetString("tenant")

		if file == "" {
			return fmt.Errorf("--file is required")
		}

		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("reading manifest: %w", err)
		}

		// The manifest is YAML over the JSON schema, so route it through a
		// generic document before decoding with the JSON field names.
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parsing manifest: %w", err)
		}
		body, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		var template types.SessionTemplate
		if err := json.Unmarshal(body, &template); err != nil {
			return fmt.Errorf("parsing manifest: %w", err)
		}
		if template.Name == "" {
			return fmt.Errorf("manifest is missing a template name")
		}

		// The PATCH fallback accepts only the mutable fields.
		patchBody, err := json.Marshal(map[string]any{
			"description": template.Description,
			"enable_cfs":  template.EnableCFS,
			"cfs":         template.CFS,
			"boot_sets":   template.BootSets,
		})
		if err != nil {
			return err
		}

		client := &http.Client{Timeout: 30 * time.Second}
		created, err := postTemplate(client, apiURL, tenant, template.Name, body, patchBody)
		if err != nil {
			return err
		}
		if created {
			fmt.Printf("✓ Session template %q created\n", template.Name)
		} else {
			fmt.Printf("✓ Session template %q updated\n", template.Name)
		}
		return nil
	},
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "Path to the template manifest (YAML)")
	applyCmd.Flags().String("api", "http://localhost:8080", "BOS API base URL")
	applyCmd.Flags().String("tenant", "", "Tenant to create the template under")
}

// postTemplate creates the template, falling back to PATCH when it already
// exists. Returns true when the template was newly created.
func postTemplate(client *http.Client, apiURL, tenant, name string, body, patchBody []byte) (bool, error) {
	req, err := http.NewRequest(http.MethodPost, apiURL+"/v2/sessiontemplates", bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if tenant != "" {
		req.Header.Set(api.TenantHeader, tenant)
	}

	resp, err := client.Do(req)
	if err != nil {
		return false, fmt.Errorf("reaching BOS API: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated:
		return true, nil
	case http.StatusConflict:
		// Fall through to PATCH below.
	default:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return false, fmt.Errorf("creating template: %s: %s", resp.Status, detail)
	}

	req, err = http.NewRequest(http.MethodPatch, apiURL+"/v2/sessiontemplates/"+name, bytes.NewReader(patchBody))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if tenant != "" {
		req.Header.Set(api.TenantHeader, tenant)
	}

	resp, err = client.Do(req)
	if err != nil {
		return false, fmt.Errorf("reaching BOS API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return false, fmt.Errorf("updating template: %s: %s", resp.Status, detail)
	}
	return false, nil
}
