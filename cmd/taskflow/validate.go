package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rendis/taskflow/internal/executors"
	"github.com/rendis/taskflow/internal/validation"
)

func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE|DIR...",
		Short: "Validate workflow definition files",
		Long: `Validate runs the structural, semantic and graph checks on YAML or JSON
workflow definitions without touching the database. Task types are checked
against the built-in executors.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := loadDefinitions(args)
			if err != nil {
				return err
			}
			reg := executors.NewRegistry()
			if err := executors.RegisterBuiltins(reg, a.httpConfig()); err != nil {
				return err
			}
			validator, err := validation.NewWorkflowValidator(reg)
			if err != nil {
				return err
			}
			return validateDefinitions(cmd.OutOrStdout(), validator, defs)
		},
	}
}

func validateDefinitions(w io.Writer, validator *validation.WorkflowValidator, defs []definitionFile) error {
	invalid := 0
	for _, d := range defs {
		res := validator.Validate(&d.Definition)
		for _, issue := range res.Errors {
			fmt.Fprintf(w, "%s: error %s at %s: %s\n", d.Path, issue.Code, issue.Path, issue.Message)
		}
		for _, issue := range res.Warnings {
			fmt.Fprintf(w, "%s: warning %s at %s: %s\n", d.Path, issue.Code, issue.Path, issue.Message)
		}
		if !res.Valid() {
			invalid++
			continue
		}
		fmt.Fprintf(w, "%s: ok (%s, %d tasks)\n", d.Path, d.Definition.Name, len(d.Definition.Tasks))
	}
	if invalid > 0 {
		return fmt.Errorf("%d of %d definitions invalid", invalid, len(defs))
	}
	return nil
}
