package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cpmkit/cpm/internal/lockfile"
	"github.com/cpmkit/cpm/internal/packet"
)

func newVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <packet>",
		Short: "Verify a packet's lockfile against its artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			dir, err := a.ws.ResolvePacketArg(args[0])
			if err != nil {
				return err
			}

			lock, err := lockfile.Load(filepath.Join(dir, packet.FileLock))
			if err != nil {
				return err
			}
			if err := lock.Verify(dir); err != nil {
				return err
			}

			digest, err := packet.ManifestDigest(dir)
			if err != nil {
				return err
			}
			a.printer.Result(map[string]any{
				"ok":     true,
				"packet": dir,
				"digest": digest,
			}, fmt.Sprintf("lock verified for %s (%s)", dir, digest))
			return nil
		},
	}
	return cmd
}
