package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SeedFile lists participants created at startup in addition to the
// administrative participant.
//
//	participants:
//	  - id: provider
//	    name: Provider Corp
//	    algorithm: ES256
//	    roles: [member]
//	    services:
//	      credentialService: https://provider.example.com/api/credentials
//	      protocolEndpoint: https://provider.example.com/api/dsp
type SeedFile struct {
	Participants []SeedParticipant `yaml:"participants"`
}

type SeedParticipant struct {
	ID        string       `yaml:"id"`
	Name      string       `yaml:"name"`
	Algorithm string       `yaml:"algorithm"`
	Roles     []string     `yaml:"roles"`
	APIKey    string       `yaml:"apiKey"`
	Services  SeedServices `yaml:"services"`
}

type SeedServices struct {
	CredentialService string `yaml:"credentialService"`
	ProtocolEndpoint  string `yaml:"protocolEndpoint"`
}

// LoadSeedFile parses the YAML seed file at path. An empty path yields an
// empty file.
func LoadSeedFile(path string) (SeedFile, error) {
	var f SeedFile
	if path == "" {
		return f, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return f, fmt.Errorf("read seed file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return f, fmt.Errorf("parse seed file: %w", err)
	}
	for i, p := range f.Participants {
		if p.ID == "" {
			return f, fmt.Errorf("seed participant %d: id is required", i)
		}
	}
	return f, nil
}
