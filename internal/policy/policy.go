// Package policy loads campaign policies from YAML files.
//
//	policies:
//	  - platform: google
//	    account_id: "123-456-7890"
//	    campaign_id: "987"
//	    target_cac: 20
//	    target_roas: 3
//	    min_budget: 10
//	    max_budget: 200
//	    min_conversions: 5
//	    enabled: true   # default
package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jshorwitz/ai-adwords/internal/model"
)

type file struct {
	Policies []entry `yaml:"policies"`
}

// entry decodes one policy; an omitted enabled key means enabled.
type entry struct {
	model.CampaignPolicy `yaml:",inline"`
	Enabled              *bool `yaml:"enabled"`
}

// LoadFile reads and validates a policy file.
func LoadFile(path string) ([]model.CampaignPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}
	pols, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("policy: %s: %w", path, err)
	}
	return pols, nil
}

// Parse decodes a policy document. Unknown keys, invalid bounds and
// duplicate campaigns are errors; all problems are reported together.
func Parse(data []byte) ([]model.CampaignPolicy, error) {
	var f file
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode: %w", err)
	}

	var errs []error
	seen := make(map[string]int, len(f.Policies))
	out := make([]model.CampaignPolicy, 0, len(f.Policies))
	for i, e := range f.Policies {
		p := e.CampaignPolicy
		p.Enabled = e.Enabled == nil || *e.Enabled
		if err := p.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("policies[%d]: %w", i, err))
			continue
		}
		key := string(p.Platform) + "|" + p.AccountID + "|" + p.CampaignID
		if prev, dup := seen[key]; dup {
			errs = append(errs, fmt.Errorf("policies[%d]: duplicates policies[%d] for campaign %s", i, prev, p.CampaignID))
			continue
		}
		seen[key] = i
		out = append(out, p)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}
