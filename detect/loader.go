package detect

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"sentinel/core"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

//go:embed rules_schema.json
var rulesSchema []byte

var rulesSchemaLoader = gojsonschema.NewBytesLoader(rulesSchema)

// LoadRulesFile reads a YAML or JSON rule file, validates it against the rule
// schema and returns its rules. Operand compilation happens when the rules
// are loaded into an Engine.
func LoadRulesFile(filename string, logger *zap.SugaredLogger) ([]core.Rule, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	rules, err := ParseRules(data, isYAML(filename))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(filename), err)
	}
	logger.Infof("Loaded %d rules from %s", len(rules), filename)
	return rules, nil
}

// ParseRules validates and decodes a rule document.
func ParseRules(data []byte, asYAML bool) ([]core.Rule, error) {
	var generic interface{}
	if asYAML {
		if err := yaml.Unmarshal(data, &generic); err != nil {
			return nil, fmt.Errorf("failed to parse rules: %w", err)
		}
	} else if err := json.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}

	result, err := gojsonschema.Validate(rulesSchemaLoader, gojsonschema.NewGoLoader(generic))
	if err != nil {
		return nil, fmt.Errorf("failed to validate rules against schema: %w", err)
	}
	if !result.Valid() {
		var msgs []string
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return nil, fmt.Errorf("rules validation failed: %s", strings.Join(msgs, "; "))
	}

	var doc core.Rules
	if asYAML {
		err = yaml.Unmarshal(data, &doc)
	} else {
		err = json.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal rules: %w", err)
	}
	return doc.Rules, nil
}

func isYAML(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return ext == ".yaml" || ext == ".yml"
}
