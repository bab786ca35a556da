package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/srg/bledm/pkg/connection"
	"github.com/srg/bledm/pkg/gap"
)

type policyOptions struct {
	policy   connection.Policy
	proposal gap.ConnParams
	propose  bool
}

func newPolicyCmd() *cobra.Command {
	policyCmd := &cobra.Command{
		Use:   "policy",
		Short: "Work with connection-parameter policies",
	}

	opts := &policyOptions{}
	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a policy and optionally test a proposal against it",
		Long: `Validate a connection-parameter policy and optionally test a remote
proposal against it the way the device manager's auto-reply does.

Without policy flags the policy section of --config is used. Intervals are
in 1.25 ms units, the supervision timeout in 10 ms units.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.propose = cmd.Flags().Changed("timeout")
			return runPolicyCheck(cmd, opts)
		},
	}
	checkCmd.Flags().Uint16Var(&opts.policy.IntervalMin, "interval-min", 0, "Policy minimum connection interval")
	checkCmd.Flags().Uint16Var(&opts.policy.IntervalMax, "interval-max", 0, "Policy maximum connection interval")
	checkCmd.Flags().Uint16Var(&opts.policy.LatencyMin, "latency-min", 0, "Policy minimum peripheral latency")
	checkCmd.Flags().Uint16Var(&opts.policy.LatencyMax, "latency-max", 0, "Policy maximum peripheral latency")
	checkCmd.Flags().Uint16Var(&opts.proposal.IntervalMin, "propose-interval-min", 0, "Proposed minimum interval")
	checkCmd.Flags().Uint16Var(&opts.proposal.IntervalMax, "propose-interval-max", 0, "Proposed maximum interval")
	checkCmd.Flags().Uint16Var(&opts.proposal.Latency, "propose-latency", 0, "Proposed peripheral latency")
	checkCmd.Flags().Uint16Var(&opts.proposal.Timeout, "timeout", 0, "Proposed supervision timeout (enables the proposal check)")

	policyCmd.AddCommand(checkCmd)
	return policyCmd
}

func runPolicyCheck(cmd *cobra.Command, opts *policyOptions) error {
	p := opts.policy
	if !cmd.Flags().Changed("interval-min") && !cmd.Flags().Changed("interval-max") {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.Policy == nil {
			return fmt.Errorf("no policy given: set --interval-min/--interval-max or a policy section in --config")
		}
		p = *cfg.Policy
	}

	if err := p.Validate(); err != nil {
		return err
	}
	cmd.SilenceUsage = true

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "policy: interval=%d..%d latency=%d..%d (valid)\n", p.IntervalMin, p.IntervalMax, p.LatencyMin, p.LatencyMax)
	if !opts.propose {
		return nil
	}

	prop := opts.proposal
	switch {
	case !prop.InLegalRange():
		fmt.Fprintf(out, "proposal: %s rejected: outside protocol limits\n", prop)
	case !prop.TimeoutConsistent():
		fmt.Fprintf(out, "proposal: %s rejected: supervision timeout too short for interval and latency\n", prop)
	case !p.Accepts(prop):
		fmt.Fprintf(out, "proposal: %s rejected: outside policy\n", prop)
	default:
		fmt.Fprintf(out, "proposal: %s accepted\n", prop)
		return nil
	}
	return ErrRejected
}
