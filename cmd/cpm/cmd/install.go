package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newInstallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install <uri>",
		Short: "Resolve, verify, and install a packet into the workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}

			ref, err := a.resolver.Resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			a.printer.Statusf("resolved %s -> %s", args[0], ref.Digest)

			lp, err := a.resolver.Fetch(cmd.Context(), ref, a.cache)
			if err != nil {
				return err
			}
			dest, err := a.ws.Install(lp, ref, time.Now())
			if err != nil {
				return err
			}

			payload := map[string]any{
				"ok":      true,
				"name":    lp.Manifest.PacketID,
				"version": lp.Manifest.Version,
				"digest":  ref.Digest,
				"path":    dest,
				"trust":   lp.Trust,
			}
			a.printer.Result(payload,
				fmt.Sprintf("installed %s@%s -> %s", lp.Manifest.PacketID, lp.Manifest.Version, dest))
			return nil
		},
	}
	return cmd
}

func newUninstallCmd() *cobra.Command {
	var pktVersion string
	cmd := &cobra.Command{
		Use:   "uninstall <name>",
		Short: "Remove an installed packet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			if err := a.ws.Uninstall(args[0], pktVersion); err != nil {
				return err
			}
			a.printer.Result(map[string]any{"ok": true, "name": args[0]},
				fmt.Sprintf("uninstalled %s", args[0]))
			return nil
		},
	}
	cmd.Flags().StringVar(&pktVersion, "packet-version", "", "Version to remove (default: newest)")
	return cmd
}

func newUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update <uri>",
		Short: "Check a packet source for newer versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			src, err := a.resolver.SourceFor(args[0])
			if err != nil {
				return err
			}
			ref, err := src.Resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			info, err := src.CheckUpdates(cmd.Context(), ref)
			if err != nil {
				return err
			}

			line := fmt.Sprintf("current=%s latest=%s newer=%v", info.CurrentDigest, info.LatestDigest, info.Newer)
			a.printer.Result(info, line)
			return nil
		},
	}
	return cmd
}
