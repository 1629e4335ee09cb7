package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gyaneshwarpardhi/ruleflow/internal/config"
	"github.com/gyaneshwarpardhi/ruleflow/internal/record"
	"github.com/gyaneshwarpardhi/ruleflow/internal/rule"
)

func newValidateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file and its rules without starting the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := validateConfig(opts.ConfigPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d rules)\n", opts.ConfigPath, n)
			return nil
		},
	}
}

// validateConfig loads the file and compiles its rules into a scratch store,
// exactly as serve would.
func validateConfig(path string) (int, error) {
	loader, err := config.NewLoader(path, nil)
	if err != nil {
		return 0, err
	}
	cfg := loader.Config()
	schema, err := cfg.RecordSchema()
	if err != nil {
		return 0, err
	}
	store := rule.NewStore(record.DefaultSchema(), rule.WithDefaultTimeout(cfg.Dispatcher.DefaultTimeoutMs))
	if err := store.Load(schema, cfg.Rules); err != nil {
		return 0, err
	}
	return store.Snapshot().Len(), nil
}
