package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	cpmerrors "github.com/cpmkit/cpm/internal/errors"
	"github.com/cpmkit/cpm/internal/oci"
)

func newPublishCmd() *cobra.Command {
	var (
		host     string
		repo     string
		tag      string
		signKey  string
		issuer   string
		sbomPath string
		provPath string
	)

	cmd := &cobra.Command{
		Use:   "publish <packet-dir>",
		Short: "Publish a built packet to a registry with optional trust referrers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			if repo == "" {
				return cpmerrors.Usage("publish requires --repo")
			}

			reg := oci.NewLayoutRegistry(filepath.Join(a.ws.Root, "registries", host))
			opts := oci.PublishOptions{Repo: repo, Tag: tag}

			if signKey != "" {
				if issuer == "" {
					return cpmerrors.Usage("--sign-key requires --issuer")
				}
				signer, err := oci.LoadSigner(signKey, issuer)
				if err != nil {
					return err
				}
				opts.Signer = signer
			}
			if sbomPath != "" {
				data, err := os.ReadFile(sbomPath)
				if err != nil {
					return cpmerrors.IO("read sbom", err)
				}
				opts.SBOM = data
			}
			if provPath != "" {
				data, err := os.ReadFile(provPath)
				if err != nil {
					return cpmerrors.IO("read provenance", err)
				}
				opts.Provenance = data
			}

			result, err := oci.Publish(reg, args[0], opts)
			if err != nil {
				return err
			}
			a.printer.Result(map[string]any{
				"ok":        true,
				"digest":    result.Digest,
				"repo":      repo,
				"tag":       tag,
				"referrers": len(result.Referrers),
			}, fmt.Sprintf("published oci://%s/%s@%s (%s, %d referrers)",
				host, repo, tag, result.Digest, len(result.Referrers)))
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "registry", "local", "Registry host name")
	cmd.Flags().StringVar(&repo, "repo", "", "Repository path (e.g. team/docs)")
	cmd.Flags().StringVar(&tag, "tag", "latest", "Version tag")
	cmd.Flags().StringVar(&signKey, "sign-key", "", "Path to a base64 ed25519 seed for signing")
	cmd.Flags().StringVar(&issuer, "issuer", "", "Signer identity recorded in the envelope")
	cmd.Flags().StringVar(&sbomPath, "sbom", "", "Path to a CycloneDX or SPDX SBOM to attach")
	cmd.Flags().StringVar(&provPath, "provenance", "", "Path to an in-toto provenance statement to attach")

	return cmd
}
