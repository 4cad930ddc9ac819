package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	"github.com/parley-ai/parley/internal/config"
	"github.com/spf13/cobra"
)

var schemaCmd = &cobra.Command{
	Use:    "schema",
	Short:  "Generate JSON schema for configuration",
	Long:   "Generate JSON schema for the parley configuration file",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		bts, err := configSchema()
		if err != nil {
			return err
		}
		cmd.Println(string(bts))
		return nil
	},
}

func configSchema() ([]byte, error) {
	reflector := new(jsonschema.Reflector)
	schema := reflector.Reflect(&config.Config{})
	bts, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return bts, nil
}
