package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/ericfisherdev/regcreds/internal/domain/model"
)

//go:embed registries.schema.json
var registriesSchema []byte

// RegistryAuth holds the material a registry client authenticates with.
// Tokens are resolved at load time; certificate paths are read by the client.
type RegistryAuth struct {
	Token    model.Secret
	CertFile string
	KeyFile  string
	CAFile   string
}

// RegistryDefinition is one entry of the registries file.
type RegistryDefinition struct {
	Registry model.Registry
	Auth     RegistryAuth
}

type registriesFile struct {
	Registries []registryEntry `yaml:"registries"`
}

type registryEntry struct {
	ID        string    `yaml:"id"`
	Name      string    `yaml:"name"`
	Variant   string    `yaml:"variant"`
	URL       string    `yaml:"url"`
	APIURL    string    `yaml:"api_url"`
	OrgName   string    `yaml:"org_name"`
	TeamName  string    `yaml:"team_name"`
	EmitAlias bool      `yaml:"emit_alias"`
	Pool      bool      `yaml:"pool"`
	Auth      authEntry `yaml:"auth"`
}

type authEntry struct {
	TokenEnv  string `yaml:"token_env"`
	TokenFile string `yaml:"token_file"`
	CertFile  string `yaml:"cert_file"`
	KeyFile   string `yaml:"key_file"`
	CAFile    string `yaml:"ca_file"`
}

// LoadRegistries reads and validates the registries file at path.
func LoadRegistries(path string) ([]RegistryDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registries file %s: %w", path, err)
	}
	defs, err := ParseRegistries(data)
	if err != nil {
		return nil, fmt.Errorf("registries file %s: %w", path, err)
	}
	return defs, nil
}

// ParseRegistries validates data against the registries schema and decodes
// it. Registry order is preserved; it is the order entries appear in pull
// secrets.
func ParseRegistries(data []byte) ([]RegistryDefinition, error) {
	if err := validateRegistries(data); err != nil {
		return nil, err
	}

	var file registriesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode registries: %w", err)
	}

	seen := make(map[string]bool, len(file.Registries))
	defs := make([]RegistryDefinition, 0, len(file.Registries))
	for _, e := range file.Registries {
		if seen[e.ID] {
			return nil, fmt.Errorf("duplicate registry id %q", e.ID)
		}
		seen[e.ID] = true

		token, err := e.Auth.token()
		if err != nil {
			return nil, fmt.Errorf("registry %s: %w", e.ID, err)
		}

		name := e.Name
		if name == "" {
			name = e.ID
		}
		defs = append(defs, RegistryDefinition{
			Registry: model.Registry{
				ID:        e.ID,
				Name:      name,
				Variant:   model.RegistryVariant(e.Variant),
				URL:       e.URL,
				APIURL:    strings.TrimSuffix(e.APIURL, "/"),
				OrgName:   e.OrgName,
				TeamName:  e.TeamName,
				EmitAlias: e.EmitAlias,
				Pool:      e.Pool,
			},
			Auth: RegistryAuth{
				Token:    token,
				CertFile: e.Auth.CertFile,
				KeyFile:  e.Auth.KeyFile,
				CAFile:   e.Auth.CAFile,
			},
		})
	}
	return defs, nil
}

// validateRegistries converts the YAML document to JSON and checks it
// against the embedded schema.
func validateRegistries(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse registries: %w", err)
	}
	if doc == nil {
		return fmt.Errorf("registries file is empty")
	}

	jsonData, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("convert registries for validation: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(registriesSchema),
		gojsonschema.NewBytesLoader(jsonData),
	)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return fmt.Errorf("schema validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
	}
	return nil
}

func (a authEntry) token() (model.Secret, error) {
	switch {
	case a.TokenEnv != "":
		v, ok := os.LookupEnv(a.TokenEnv)
		if !ok || v == "" {
			return "", fmt.Errorf("token env var %s is not set", a.TokenEnv)
		}
		return model.Secret(v), nil
	case a.TokenFile != "":
		b, err := os.ReadFile(a.TokenFile)
		if err != nil {
			return "", fmt.Errorf("read token file: %w", err)
		}
		v := strings.TrimSpace(string(b))
		if v == "" {
			return "", fmt.Errorf("token file %s is empty", a.TokenFile)
		}
		return model.Secret(v), nil
	default:
		return "", nil
	}
}
