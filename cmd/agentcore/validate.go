package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeeves-cluster-organization/agentcore/coreengine/validator"
)

// errInvalid makes the command exit non-zero after the report is written.
var errInvalid = errors.New("model output rejected")

type validateOptions struct {
	tools  string
	strict bool
}

func newValidateCmd(root *rootOptions) *cobra.Command {
	opts := &validateOptions{}
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate one raw model output read from stdin",
		Long: `Reads one raw model output from stdin and prints the parsed action, or
the validation error and the feedback the model would be re-prompted with.
Input that is not JSON is validated as plain text.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, root, opts)
		},
	}
	cmd.Flags().StringVar(&opts.tools, "tools", "", "comma separated allow-list (default: agent.allowedTools from --config)")
	cmd.Flags().BoolVar(&opts.strict, "strict-confidence", false, "reject invalid confidence instead of dropping it")
	return cmd
}

func runValidate(cmd *cobra.Command, root *rootOptions, opts *validateOptions) error {
	input, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	allowed := splitList(opts.tools)
	strict := opts.strict
	if allowed == nil && root.configPath != "" {
		cfg, err := root.load()
		if err != nil {
			return err
		}
		allowed = cfg.Agent.AllowedTools
		strict = strict || cfg.Agent.StrictConfidence
	}

	v := validator.New(validator.WithStrictConfidence(strict))
	action, verr := v.Validate(decodeRaw(input), validator.Tools(allowed))

	enc := json.NewEncoder(cmd.OutOrStdout())
	if verr == nil {
		return enc.Encode(map[string]any{
			"valid":  true,
			"action": action.ToMap(),
		})
	}

	report := map[string]any{"valid": false, "message": verr.Error()}
	var ve *validator.ValidationError
	if errors.As(verr, &ve) {
		report["kind"] = string(ve.Kind)
		report["feedback"] = ve.Feedback()
		if ve.Field != "" {
			report["field"] = ve.Field
		}
		if ve.Tool != "" {
			report["tool"] = ve.Tool
		}
	}
	if err := enc.Encode(report); err != nil {
		return err
	}
	return errInvalid
}

// decodeRaw returns input as a JSON value, or as text when it does not parse.
func decodeRaw(input []byte) any {
	var raw any
	if err := json.Unmarshal(input, &raw); err == nil {
		return raw
	}
	return strings.TrimSpace(string(input))
}
