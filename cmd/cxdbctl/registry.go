package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// yamlField/yamlType/yamlBundle mirror the gateway's bundle wire shape so an
// operator can author a type bundle as YAML (closer to how the descriptors
// get hand-written) and have it translated to the JSON the gateway expects.
type yamlField struct {
	Tag      uint32 `yaml:"tag" json:"tag"`
	Name     string `yaml:"name" json:"name"`
	Kind     string `yaml:"kind" json:"kind"`
	Optional bool   `yaml:"optional,omitempty" json:"optional,omitempty"`
}

type yamlType struct {
	TypeID  string      `yaml:"type_id" json:"type_id"`
	Version uint32      `yaml:"version" json:"version"`
	Fields  []yamlField `yaml:"fields" json:"fields"`
}

type yamlBundle struct {
	Types []yamlType                   `yaml:"types" json:"types"`
	Enums map[string]map[string]string `yaml:"enums,omitempty" json:"enums,omitempty"`
}

func registryCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "registry", Short: "publish and inspect type descriptors"}
	cmd.AddCommand(registryPutCmd())
	cmd.AddCommand(registryGetCmd())
	return cmd
}

func registryPutCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "put <bundle_id>",
		Short: "publish a type bundle described as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bundleID := args[0]
			raw, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read bundle file: %w", err)
			}
			var bundle yamlBundle
			if err := yaml.Unmarshal(raw, &bundle); err != nil {
				return fmt.Errorf("parse bundle yaml: %w", err)
			}
			body, err := json.Marshal(bundle)
			if err != nil {
				return err
			}

			base, err := cmd.Flags().GetString("http-addr")
			if err != nil {
				return err
			}
			req, err := http.NewRequest(http.MethodPut, base+"/v1/registry/bundles/"+bundleID, bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("put bundle: %w", err)
			}
			defer resp.Body.Close()
			respBody, _ := io.ReadAll(resp.Body)
			fmt.Printf("status=%d\n%s\n", resp.StatusCode, respBody)
			if resp.StatusCode >= 300 {
				return fmt.Errorf("gateway rejected bundle: %d", resp.StatusCode)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to a YAML bundle definition")
	cmd.MarkFlagRequired("file")
	return cmd
}

func registryGetCmd() *cobra.Command {
	var typeID string
	var version uint32
	cmd := &cobra.Command{
		Use:   "get",
		Short: "fetch one type descriptor version",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := cmd.Flags().GetString("http-addr")
			if err != nil {
				return err
			}
			url := fmt.Sprintf("%s/v1/registry/types/%s/versions/%d", base, typeID, version)
			resp, err := http.Get(url)
			if err != nil {
				return fmt.Errorf("get type: %w", err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			fmt.Printf("status=%d\n%s\n", resp.StatusCode, body)
			if resp.StatusCode >= 300 {
				return fmt.Errorf("type not found: %d", resp.StatusCode)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&typeID, "type-id", "", "declared type_id")
	cmd.Flags().Uint32Var(&version, "version", 1, "type_version")
	cmd.MarkFlagRequired("type-id")
	return cmd
}
