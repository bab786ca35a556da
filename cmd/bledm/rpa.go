package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/srg/bledm/internal/bonding"
	"github.com/srg/bledm/pkg/gap"
	"github.com/srg/bledm/pkg/status"
)

func newRPACmd() *cobra.Command {
	rpaCmd := &cobra.Command{
		Use:   "rpa",
		Short: "Generate and resolve resolvable private addresses",
		Long: `Generate and resolve resolvable private addresses (RPAs).

Keys are 32 hex digits, most significant byte first, as printed by most
sniffers and pairing logs. Addresses use the usual AA:BB:CC:DD:EE:FF form.`,
	}

	rpaCmd.AddCommand(&cobra.Command{
		Use:   "resolve <irk> <address>",
		Short: "Check whether an address was generated from a key",
		Args:  cobra.ExactArgs(2),
		RunE:  runRPAResolve,
	})
	rpaCmd.AddCommand(&cobra.Command{
		Use:   "generate <irk> [prand]",
		Short: "Generate an address from a key",
		Long: `Generate a resolvable private address from a key.

prand is 6 hex digits, most significant byte first; a random one is drawn
when omitted. Its two most significant bits are forced to 01.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: runRPAGenerate,
	})
	return rpaCmd
}

func runRPAResolve(cmd *cobra.Command, args []string) error {
	irk, err := bonding.ParseKey(args[0])
	if err != nil {
		return err
	}
	addr, err := gap.ParseAddress(args[1], gap.AddrResolvablePrivate)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	if addr.Bytes[5]&0xC0 != 0x40 {
		return fmt.Errorf("%s is not a resolvable private address: %w", addr, ErrNoMatch)
	}
	if !bonding.ResolvePrivateAddress(irk, addr) {
		return fmt.Errorf("%s: %w", addr, ErrNoMatch)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s resolves with key %s\n", addr, bonding.FormatKey(irk))
	return nil
}

func runRPAGenerate(cmd *cobra.Command, args []string) error {
	irk, err := bonding.ParseKey(args[0])
	if err != nil {
		return err
	}

	var prand [3]byte
	if len(args) == 2 {
		raw, err := hex.DecodeString(args[1])
		if err != nil || len(raw) != len(prand) {
			return status.Errorf(status.InvalidParameter, "malformed prand %q", args[1])
		}
		prand = [3]byte{raw[2], raw[1], raw[0]}
	} else if prand, err = bonding.RandomPrand(); err != nil {
		return err
	}
	cmd.SilenceUsage = true

	fmt.Fprintln(cmd.OutOrStdout(), bonding.GeneratePrivateAddress(irk, prand))
	return nil
}
