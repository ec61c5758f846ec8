package cmd

import (
	"errors"
	"fmt"

	"sentinel/core"
	"sentinel/detect"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// ruleIssue lists why one rule of a file would be rejected by the engine.
type ruleIssue struct {
	ID       string   `json:"id"`
	Version  int      `json:"version"`
	Problems []string `json:"problems"`
}

// ruleValidation is the JSON shape of "rules validate".
type ruleValidation struct {
	File   string      `json:"file"`
	Rules  int         `json:"rules"`
	Valid  int         `json:"valid"`
	Issues []ruleIssue `json:"issues"`
}

func newRulesCmd() *cobra.Command {
	rulesCmd := &cobra.Command{
		Use:   "rules",
		Short: "Work with rule files",
	}
	rulesCmd.AddCommand(newRulesValidateCmd())
	return rulesCmd
}

func newRulesValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a rule file without loading it into a server",
		Long:  "Validate a YAML or JSON rule file against the rule schema and compile every condition, including regular expressions.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := validateRulesFile(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if outputJSON {
				if err := outputAsJSON(out, result); err != nil {
					return err
				}
			} else {
				renderRuleValidation(out, result)
			}
			if len(result.Issues) > 0 {
				return fmt.Errorf("%d of %d rules are invalid", len(result.Issues), result.Rules)
			}
			return nil
		},
	}
}

func validateRulesFile(path string) (*ruleValidation, error) {
	if _, err := readInputFile(path); err != nil {
		return nil, err
	}
	rules, err := detect.LoadRulesFile(path, zap.NewNop().Sugar())
	if err != nil {
		return nil, err
	}
	regex, err := detect.NewRegexCache(cliRegexCacheSize, cliRegexTimeout)
	if err != nil {
		return nil, err
	}
	valid, issues := checkRules(rules, regex)
	return &ruleValidation{File: path, Rules: len(rules), Valid: len(valid), Issues: issues}, nil
}

// checkRules compiles every rule and splits the accepted ones from the issues.
func checkRules(rules []core.Rule, regex *detect.RegexCache) ([]core.Rule, []ruleIssue) {
	valid := make([]core.Rule, 0, len(rules))
	issues := []ruleIssue{}
	seen := make(map[string]int, len(rules))
	for _, r := range rules {
		var problems []string
		if _, err := detect.CompileRule(r, regex); err != nil {
			problems = describeRuleError(err)
		}
		key := fmt.Sprintf("%s@%d", r.ID, r.Version)
		if seen[key] > 0 {
			problems = append(problems, fmt.Sprintf("duplicate version %d", r.Version))
		}
		seen[key]++

		if len(problems) > 0 {
			issues = append(issues, ruleIssue{ID: r.ID, Version: r.Version, Problems: problems})
			continue
		}
		valid = append(valid, r)
	}
	return valid, issues
}

func describeRuleError(err error) []string {
	var gwErr *core.Error
	if !errors.As(err, &gwErr) || len(gwErr.Fields) == 0 {
		return []string{err.Error()}
	}
	problems := make([]string, 0, len(gwErr.Fields))
	for _, f := range gwErr.Fields {
		problems = append(problems, fmt.Sprintf("%s: %s", f.Field, f.Message))
	}
	return problems
}
