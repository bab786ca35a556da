package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/bledm/internal/bonding"
	"github.com/srg/bledm/internal/storage"
	"github.com/srg/bledm/pkg/gap"
	"github.com/srg/bledm/pkg/status"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"gopkg.in/yaml.v3"
)

type bondsOptions struct {
	storeDir string
	format   string
	showKeys bool
}

type bondsAddOptions struct {
	id                int
	peer              string
	peerType          string
	irk               string
	ltk               string
	ediv              uint16
	rand              string
	keySize           int
	secureConnections bool
	authenticated     bool
}

func newBondsCmd() *cobra.Command {
	opts := &bondsOptions{}

	bondsCmd := &cobra.Command{
		Use:   "bonds",
		Short: "Inspect and edit the paired-device store",
		Long: `Inspect and edit the paired-device (bonding) store kept on disk.

The store directory defaults to storage_dir from --config.`,
	}
	bondsCmd.PersistentFlags().StringVarP(&opts.storeDir, "store", "s", "", "Store directory (overrides storage_dir)")
	bondsCmd.PersistentFlags().StringVarP(&opts.format, "format", "f", "table", "Output format (table, yaml, json)")
	bondsCmd.PersistentFlags().BoolVar(&opts.showKeys, "keys", false, "Print key material instead of masking it")

	bondsCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List paired devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBondsList(cmd, opts)
		},
	})
	bondsCmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show one paired device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBondsShow(cmd, opts, args[0])
		},
	})
	bondsCmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete one paired device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBondsDelete(cmd, opts, args[0])
		},
	})
	bondsCmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete every paired device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBondsClear(cmd, opts)
		},
	})
	bondsCmd.AddCommand(&cobra.Command{
		Use:   "free",
		Short: "Print the id the next bond would take",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBondsFree(cmd, opts)
		},
	})
	bondsCmd.AddCommand(newBondsAddCmd(opts))

	return bondsCmd
}

func newBondsAddCmd(opts *bondsOptions) *cobra.Command {
	add := &bondsAddOptions{}
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Store a paired device from known keys",
		Long: `Store a paired device from known keys, e.g. to provision a test fixture.

Keys are 32 hex digits, most significant byte first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBondsAdd(cmd, opts, add)
		},
	}
	cmd.Flags().IntVar(&add.id, "id", -1, "Device id (default: lowest free id)")
	cmd.Flags().StringVar(&add.peer, "peer", "", "Peer identity address")
	cmd.Flags().StringVar(&add.peerType, "peer-type", "public", "Peer address type (public, random-static)")
	cmd.Flags().StringVar(&add.irk, "irk", "", "Peer identity-resolving key")
	cmd.Flags().StringVar(&add.ltk, "ltk", "", "Long-term key")
	cmd.Flags().Uint16Var(&add.ediv, "ediv", 0, "Encrypted diversifier")
	cmd.Flags().StringVar(&add.rand, "rand", "", "Random number, 16 hex digits")
	cmd.Flags().IntVar(&add.keySize, "key-size", bonding.MaxKeySize, "Encryption key size in octets")
	cmd.Flags().BoolVar(&add.secureConnections, "sc", false, "Keys come from LE Secure Connections pairing")
	cmd.Flags().BoolVar(&add.authenticated, "auth", false, "Keys come from an authenticated (MITM-protected) pairing")
	_ = cmd.MarkFlagRequired("peer")
	_ = cmd.MarkFlagRequired("ltk")
	return cmd
}

func validateFormat(format string) error {
	switch format {
	case "table", "yaml", "json":
		return nil
	default:
		return fmt.Errorf("invalid format '%s': must be one of [table yaml json]", format)
	}
}

// openStore opens the file-backed bonding store selected by flags and config
func openStore(cmd *cobra.Command, opts *bondsOptions) (*bonding.Store, *logrus.Logger, error) {
	if err := validateFormat(opts.format); err != nil {
		return nil, nil, err
	}
	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return nil, nil, err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	dir := cfg.StorageDir
	if opts.storeDir != "" {
		dir = opts.storeDir
	}
	engine, err := storage.NewFileEngine(dir, logger)
	if err != nil {
		return nil, nil, err
	}
	store, err := bonding.NewStore(engine, cfg.MaxPairedDevices, logger)
	if err != nil {
		return nil, nil, err
	}
	if cfg.LocalAddress != "" {
		local, err := gap.ParseAddress(cfg.LocalAddress, gap.AddrPublic)
		if err != nil {
			return nil, nil, err
		}
		store.SetLocalIdentity(local)
	}
	return store, logger, nil
}

func parseDeviceID(s string, capacity int) (gap.DeviceID, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n >= capacity {
		return 0, status.Errorf(status.InvalidParameter, "device id %q outside 0..%d", s, capacity-1)
	}
	return gap.DeviceID(n), nil
}

func formatRand(r [8]byte) string {
	var msb [8]byte
	for i := range r {
		msb[i] = r[len(r)-1-i]
	}
	return hex.EncodeToString(msb[:])
}

func parseRand(s string) ([8]byte, error) {
	var r [8]byte
	if s == "" {
		return r, nil
	}
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(r) {
		return r, status.Errorf(status.InvalidParameter, "malformed rand %q", s)
	}
	for i := range raw {
		r[i] = raw[len(raw)-1-i]
	}
	return r, nil
}

const masked = "********"

func maskKey(k [16]byte, show bool) string {
	if k == [16]byte{} {
		return ""
	}
	if !show {
		return masked
	}
	return bonding.FormatKey(k)
}

// recordView lays a record out in a fixed field order for yaml and json
func recordView(id gap.DeviceID, rec bonding.Record, showKeys bool) *orderedmap.OrderedMap[string, any] {
	view := orderedmap.New[string, any]()
	view.Set("id", int(id))
	view.Set("peer", rec.Peer.String())
	view.Set("peer_type", rec.Peer.Type.String())
	view.Set("peer_irk", maskKey(rec.PeerIRK, showKeys))
	view.Set("ltk", maskKey(rec.LTK, showKeys))
	view.Set("ediv", rec.EDIV)
	view.Set("rand", formatRand(rec.Rand))
	view.Set("key_size", int(rec.KeySize))
	view.Set("secure_connections", rec.SecureConnections)
	view.Set("authenticated", rec.Authenticated)
	view.Set("local", rec.Local.String())
	view.Set("local_irk", maskKey(rec.LocalIRK, showKeys))
	return view
}

func writeStructured(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	default:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
}

func writeRecordTable(w io.Writer, ids []gap.DeviceID, recs []bonding.Record) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPEER\tTYPE\tKEY SIZE\tSECURE CONN\tAUTH\tIRK")
	for i, rec := range recs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%t\t%t\t%t\n",
			ids[i], rec.Peer, rec.Peer.Type, rec.KeySize, rec.SecureConnections, rec.Authenticated, rec.HasPeerIRK())
	}
	return tw.Flush()
}

func runBondsList(cmd *cobra.Command, opts *bondsOptions) error {
	store, _, err := openStore(cmd, opts)
	if err != nil {
		return err
	}

	ids := store.List()
	recs := make([]bonding.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := store.Get(id)
		if err != nil {
			return err
		}
		recs = append(recs, rec)
	}

	out := cmd.OutOrStdout()
	if opts.format == "table" {
		if len(ids) == 0 {
			fmt.Fprintln(out, "No paired devices.")
			return nil
		}
		return writeRecordTable(out, ids, recs)
	}

	views := make([]*orderedmap.OrderedMap[string, any], len(recs))
	for i, rec := range recs {
		views[i] = recordView(ids[i], rec, opts.showKeys)
	}
	return writeStructured(out, opts.format, views)
}

func runBondsShow(cmd *cobra.Command, opts *bondsOptions, arg string) error {
	store, _, err := openStore(cmd, opts)
	if err != nil {
		return err
	}
	id, err := parseDeviceID(arg, store.Capacity())
	if err != nil {
		return err
	}
	rec, err := store.Get(id)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if opts.format == "table" {
		return writeRecordTable(out, []gap.DeviceID{id}, []bonding.Record{rec})
	}
	return writeStructured(out, opts.format, recordView(id, rec, opts.showKeys))
}

func runBondsDelete(cmd *cobra.Command, opts *bondsOptions, arg string) error {
	store, _, err := openStore(cmd, opts)
	if err != nil {
		return err
	}
	id, err := parseDeviceID(arg, store.Capacity())
	if err != nil {
		return err
	}
	if err := store.Delete(id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted device %d\n", id)
	return nil
}

func runBondsClear(cmd *cobra.Command, opts *bondsOptions) error {
	store, _, err := openStore(cmd, opts)
	if err != nil {
		return err
	}
	n := len(store.List())
	if err := store.DeleteAll(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d paired device(s)\n", n)
	return nil
}

func runBondsFree(cmd *cobra.Command, opts *bondsOptions) error {
	store, _, err := openStore(cmd, opts)
	if err != nil {
		return err
	}
	if store.Full() {
		return status.Errorf(status.NoResource, "paired-device store full (%d)", store.Capacity())
	}
	fmt.Fprintln(cmd.OutOrStdout(), store.FreeID())
	return nil
}

func runBondsAdd(cmd *cobra.Command, opts *bondsOptions, add *bondsAddOptions) error {
	peerType, err := gap.ParseAddressType(add.peerType)
	if err != nil {
		return err
	}
	peer, err := gap.ParseAddress(add.peer, peerType)
	if err != nil {
		return err
	}
	ltk, err := bonding.ParseKey(add.ltk)
	if err != nil {
		return err
	}
	var irk [16]byte
	if add.irk != "" {
		if irk, err = bonding.ParseKey(add.irk); err != nil {
			return err
		}
	}
	rnd, err := parseRand(add.rand)
	if err != nil {
		return err
	}
	keySize, err := bonding.NewKeySize(add.keySize)
	if err != nil {
		return err
	}

	store, logger, err := openStore(cmd, opts)
	if err != nil {
		return err
	}

	id := store.FreeID()
	if add.id >= 0 {
		if id, err = parseDeviceID(strconv.Itoa(add.id), store.Capacity()); err != nil {
			return err
		}
	} else if int(id) >= store.Capacity() {
		return status.Errorf(status.NoResource, "paired-device store full (%d)", store.Capacity())
	}

	rec := bonding.Record{
		Peer:              peer,
		PeerIRK:           irk,
		Rand:              rnd,
		EDIV:              add.ediv,
		LTK:               ltk,
		KeySize:           keySize,
		SecureConnections: add.secureConnections,
		Authenticated:     add.authenticated,
		Local:             store.LocalIdentity(),
	}
	if err := store.Set(cmd.Context(), id, rec); err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{"id": id, "peer": peer.String()}).Info("Paired device added")
	fmt.Fprintf(cmd.OutOrStdout(), "Stored device %d (%s)\n", id, peer)
	return nil
}
