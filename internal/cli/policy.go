package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/open-verix/secsign/internal/policy"
	"github.com/open-verix/secsign/internal/record"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Policy management commands",
	Long: `Manage the acceptance policy applied during verification.

A policy file holds the algorithm expiry table (hash algorithms and RSA key
sizes with the date they stop being trusted), the hash preference used when
signing, and CEL acceptance rules evaluated against every verified record.
Rule violations are reported as caveats.`,
}

var policyCheckCmd = &cobra.Command{
	Use:   "check [policy-file]",
	Short: "Validate a policy file and optionally evaluate saved results",
	Long: `Load and validate a policy file: YAML syntax, schema version,
algorithm table and CEL rule compilation.

With --report, the rules are evaluated against the records of a JSON
report written by 'secsign verify --json'.

Exit Codes:
  0 - Policy is valid (and every record passed)
  1 - Policy is invalid, or every record violated a rule
  2 - Some records violated a rule`,
	Example: `  # Validate ./secsign-policy.yaml
  secsign policy check

  # Evaluate saved verification results
  secsign verify --json signed/*.p7m > results.json
  secsign policy check strict.yaml --report results.json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPolicyCheck,
}

var policyInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write the default policy configuration",
	Long: `Create a policy file with the built-in algorithm expiry table and no
acceptance rules.

You can customize the generated file and point policy.path at it.`,
	Example: `  # Create secsign-policy.yaml in current directory
  secsign policy init

  # Create a custom file
  secsign policy init policies/strict.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPolicyInit,
}

var (
	policyReportPath     string
	policyForceOverwrite bool
)

func init() {
	policyCmd.AddCommand(policyCheckCmd)
	policyCmd.AddCommand(policyInitCmd)

	policyCheckCmd.Flags().StringVar(&policyReportPath, "report", "", "JSON verification report to evaluate")
	addOutputFlags(policyCheckCmd)

	policyInitCmd.Flags().BoolVarP(&policyForceOverwrite, "force", "f", false, "Overwrite existing file")
}

func runPolicyCheck(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	path := cfg.Policy.Path
	if len(args) > 0 {
		path = args[0]
	}
	pcfg, err := policy.LoadConfig(path)
	if err != nil {
		return &ExitError{Code: ExitFatal, Err: errors.Wrap(err, "validation failed")}
	}
	engine, err := policy.NewEngine(pcfg)
	if err != nil {
		return &ExitError{Code: ExitFatal, Err: errors.Wrap(err, "validation failed")}
	}

	if policyReportPath == "" {
		if path == "" {
			path = "default policy"
		}
		cmd.Printf("✓ Policy is valid: %s\n", path)
		cmd.Printf("  Version: %s\n", pcfg.Version)
		if pcfg.Algorithms != nil {
			cmd.Printf("  Hash expiries: %d\n", len(pcfg.Algorithms.Hashes))
			cmd.Printf("  RSA key size rules: %d\n", len(pcfg.Algorithms.RSAMinBits))
		}
		cmd.Printf("  Acceptance rules: %d\n", len(pcfg.Rules))
		return nil
	}

	records, err := loadReport(policyReportPath)
	if err != nil {
		return &ExitError{Code: ExitFatal, Err: err}
	}
	results := make([]*policy.Result, 0, len(records))
	failed := 0
	for _, r := range records {
		res, err := engine.Evaluate(ctx, r)
		if err != nil {
			return &ExitError{Code: ExitFatal, Err: errors.Wrapf(err, "evaluate %s", r.Name)}
		}
		if !res.Passed {
			failed++
		}
		results = append(results, res)
	}

	if err := outputPolicyResults(cmd, records, results); err != nil {
		return err
	}
	switch {
	case failed == 0:
		return nil
	case failed < len(results):
		return &ExitError{Code: ExitPartialSuccess, Err: fmt.Errorf("policy check: %d of %d records violated rules", failed, len(results))}
	}
	return &ExitError{Code: ExitFatal, Err: fmt.Errorf("policy check failed")}
}

// loadReport rebuilds records from 'verify --json' output.
func loadReport(path string) ([]*record.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read report")
	}
	var reports []recordReport
	if err := json.Unmarshal(data, &reports); err != nil {
		return nil, errors.Wrap(err, "parse report")
	}
	records := make([]*record.Record, 0, len(reports))
	for _, rep := range reports {
		r := &record.Record{
			ID:      rep.RecordID,
			Name:    rep.Name,
			Caveats: rep.Caveats,
			Signers: rep.Signers,
		}
		if err := r.VerifyOutcome.UnmarshalText([]byte(rep.Outcome)); err != nil {
			return nil, errors.Wrapf(err, "record %s", rep.RecordID)
		}
		records = append(records, r)
	}
	return records, nil
}

func runPolicyInit(cmd *cobra.Command, args []string) error {
	outputPath := "secsign-policy.yaml"
	if len(args) > 0 {
		outputPath = args[0]
	}

	if _, err := os.Stat(outputPath); err == nil && !policyForceOverwrite {
		return &ExitError{Code: ExitFatal, Err: errors.Errorf("file %s already exists (use --force to overwrite)", outputPath)}
	}

	if err := policy.SaveConfig(policy.DefaultConfig(), outputPath); err != nil {
		return &ExitError{Code: ExitFatal, Err: errors.Wrap(err, "failed to save configuration")}
	}

	cmd.Printf("Created policy configuration: %s\n", outputPath)
	cmd.Println("\nReview and customize the configuration:")
	cmd.Printf("  - Adjust algorithm expiry dates under 'algorithms'\n")
	cmd.Printf("  - Add CEL acceptance rules under 'rules'\n")
	cmd.Printf("\nRun 'secsign policy check %s' to verify your changes.\n", outputPath)
	return nil
}

func outputPolicyResults(cmd *cobra.Command, records []*record.Record, results []*policy.Result) error {
	if jsonOutput {
		data, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal results")
		}
		cmd.Println(string(data))
		return nil
	}

	for i, res := range results {
		name := records[i].Name
		if name == "" {
			name = res.RecordID
		}
		if res.Passed {
			cmd.Printf("✓ %s\n", name)
			continue
		}
		cmd.Printf("✗ %s\n", name)
		for _, v := range res.Violations {
			cmd.Printf("    [%s] %s\n", v.Rule, v.Message)
		}
	}
	return nil
}
