package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nscore/ncacore/pkg/content"
	"github.com/nscore/ncacore/pkg/nca"
	"github.com/nscore/ncacore/pkg/ncz"
	"github.com/nscore/ncacore/pkg/keys"
)

var keysPath string

func main() {
	root := &cobra.Command{
		Use:   "ncatool",
		Short: "Inspect and re-export Nintendo Content Archive (NCA) files",
	}
	root.PersistentFlags().StringVarP(&keysPath, "keys", "k", "", "path to a prod.keys-style key file (defaults to the usual search locations)")

	root.AddCommand(newDumpHeaderCmd())
	root.AddCommand(newExportNczCmd())
	root.AddCommand(newRemoveTitlekeyCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadProvider() (*keys.FileProvider, error) {
	provider := keys.NewFileProvider()
	var err error
	if keysPath != "" {
		err = provider.Load(keysPath)
	} else {
		err = provider.LoadDefault()
	}
	if err != nil {
		return nil, fmt.Errorf("load keys: %w", err)
	}
	if err := provider.Derive(); err != nil {
		return nil, fmt.Errorf("derive keys: %w", err)
	}
	return provider, nil
}

func openArchive(path string) (*nca.ArchiveContext, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	provider, err := loadProvider()
	if err != nil {
		f.Close()
		return nil, err
	}

	src := content.NewManagedSource(f)
	tickets := keys.NewMemoryTicketStore(provider)
	ctx, err := nca.Initialize(src, [16]byte{}, provider, tickets, nca.NewCryptoArena(0), nca.DefaultLogger())
	if err != nil {
		f.Close()
		return nil, err
	}
	return ctx, nil
}

func newDumpHeaderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump-header <nca-file>",
		Short: "Decrypt and print an NCA's header fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := openArchive(args[0])
			if err != nil {
				return err
			}

			fmt.Printf("magic:               %s\n", ctx.Header.Magic)
			fmt.Printf("distribution type:   %d\n", ctx.Header.DistributionType)
			fmt.Printf("content type:        %d\n", ctx.Header.ContentType)
			fmt.Printf("key generation:      %d\n", ctx.Header.EffectiveKeyGeneration())
			fmt.Printf("content size:        0x%x\n", ctx.Header.ContentSize)
			fmt.Printf("program id:          %016x\n", ctx.Header.ProgramID)
			fmt.Printf("rights id:           %s\n", hex.EncodeToString(ctx.Header.RightsID[:]))
			fmt.Printf("has rights id:       %v\n", ctx.HasRightsID())

			for i, sec := range ctx.Sections {
				if sec == nil {
					continue
				}
				fmt.Printf("section %d: offset=0x%x size=0x%x encryption=%d hash=%d\n",
					i, sec.StartOffset(), sec.Size(), ctx.FsHeaders[i].EncryptionType, ctx.FsHeaders[i].HashType)
			}
			return nil
		},
	}
}

func newExportNczCmd() *cobra.Command {
	var level int
	cmd := &cobra.Command{
		Use:   "export-ncz <nca-file> <out-file>",
		Short: "Export an archive's decrypted section bodies as a compressed NCZ-style blob",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := openArchive(args[0])
			if err != nil {
				return err
			}

			out, err := os.Create(args[1])
			if err != nil {
				return err
			}
			defer out.Close()

			return ncz.ExportSections(nil, ctx, out, level)
		},
	}
	cmd.Flags().IntVarP(&level, "level", "l", 19, "zstd compression level (1-22)")
	return cmd
}

func newRemoveTitlekeyCmd() *cobra.Command {
	var titlekeyHex string
	cmd := &cobra.Command{
		Use:   "remove-titlekey <nca-file> <out-file>",
		Short: "Fold an externally supplied titlekey into the key area and strip the rights ID",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := openArchive(args[0])
			if err != nil {
				return err
			}

			raw, err := hex.DecodeString(titlekeyHex)
			if err != nil || len(raw) != 16 {
				return fmt.Errorf("--titlekey must be 32 hex characters (16 bytes)")
			}
			var titlekey [16]byte
			copy(titlekey[:], raw)

			if err := ctx.RemoveTitlekeyCrypto(titlekey); err != nil {
				return err
			}

			headerBytes, err := ctx.EncryptHeader(nil)
			if err != nil {
				return err
			}

			return os.WriteFile(args[1], headerBytes, 0o644)
		},
	}
	cmd.Flags().StringVar(&titlekeyHex, "titlekey", "", "16-byte titlekey, hex-encoded")
	cmd.MarkFlagRequired("titlekey")
	return cmd
}
