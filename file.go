package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	embedCheck "pewalk/pkg/embed"
	"pewalk/pkg/imagemap"
	"pewalk/pkg/pe"
)

type fileOptions struct {
	section  string
	export   string
	verify   bool
	password string
}

var fileCmd = &cobra.Command{
	Use:   "file [PATH|URL...]",
	Short: "Inspect PE files without loading them",
	Long: `Inspect PE files without loading them.

The first file is inspected; the rest are only there so its forwarded
exports can be resolved. Files may be local paths or http(s) URLs. When the
binary carries an embedded image and no file is given, the embedded image is
inspected.`,
	Example: `  pewalk file kernel32.dll ntdll.dll --export HeapAlloc
  pewalk file https://example.com/payload.bin --password hunter2 --verify`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := inspectorOptions()
		if err != nil {
			return err
		}
		fo := fileOptions{
			section:  viper.GetString("section"),
			export:   viper.GetString("export"),
			verify:   viper.GetBool("verify"),
			password: viper.GetString("password"),
		}
		return runFile(cmd.Context(), cmd.OutOrStdout(), args, fo, opts)
	},
}

var sealCmd = &cobra.Command{
	Use:   "seal IN OUT",
	Short: "Encrypt an image so that file --password can read it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		password := viper.GetString("password")
		if password == "" {
			return errors.New("a password is required")
		}
		raw, _, err := fetch(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		sealed, err := imagemap.Encrypt(raw, password, rand.Reader)
		if err != nil {
			return err
		}
		return os.WriteFile(args[1], sealed, 0o600)
	},
}

func init() {
	flags := fileCmd.Flags()
	flags.String("section", "", "Locate this section")
	flags.String("export", "", "Resolve this export, #N for an ordinal")
	flags.Bool("verify", false, "Cross-check sections and exports against saferwall/pe")
	viper.BindPFlags(flags)

	// the password is shared with seal, so it is bound once on the root
	rootCmd.PersistentFlags().String("password", "", "Password the first image is sealed with")
	viper.BindPFlag("password", rootCmd.PersistentFlags().Lookup("password"))

	rootCmd.AddCommand(fileCmd, sealCmd)
}

type source struct {
	name string
	raw  []byte
}

func loadSources(ctx context.Context, args []string, password string) ([]source, error) {
	var sources []source
	if len(args) == 0 {
		if !embedCheck.IsEmbedded {
			return nil, errors.New("no image given")
		}
		log.Debug("Using embedded payload")
		sources = append(sources, source{name: embedCheck.Name, raw: embedCheck.EmbeddedBytes})
	}
	for _, arg := range args {
		raw, name, err := fetch(ctx, arg)
		if err != nil {
			return nil, err
		}
		sources = append(sources, source{name: name, raw: raw})
	}

	if password != "" {
		plain, err := imagemap.Decrypt(sources[0].raw, password)
		if err != nil {
			return nil, fmt.Errorf("decrypting %s: %w", sources[0].name, err)
		}
		sources[0].raw = plain
	}
	return sources, nil
}

func runFile(ctx context.Context, out io.Writer, args []string, fo fileOptions, opts []pe.Option) error {
	sources, err := loadSources(ctx, args, fo.password)
	if err != nil {
		return err
	}

	set := imagemap.NewSet()
	var target uint64
	for i, src := range sources {
		img, err := imagemap.Map(src.name, src.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", src.name, err)
		}
		base := set.Add(img)
		if i == 0 {
			target = base
		}
		log.WithFields(logrus.Fields{
			"module": img.Name,
			"base":   fmt.Sprintf("%#x", base),
		}).Debug("Mapped image")
	}

	in := set.Inspector(opts...)
	size, err := in.ValidateImage(target)
	if err != nil {
		return fmt.Errorf("%s: %w", sources[0].name, err)
	}
	fmt.Fprintf(out, "%s base %#x size %#x\n", sources[0].name, target, size)

	switch {
	case fo.section != "" || fo.export != "":
		if fo.section != "" {
			if err := printSection(out, in, target, fo.section); err != nil {
				return err
			}
		}
		if fo.export != "" {
			sel, err := pe.ParseSelector(fo.export)
			if err != nil {
				return err
			}
			if err := printExport(out, in, target, sel); err != nil {
				return err
			}
		}
	case !fo.verify:
		if err := printSections(out, in, target); err != nil {
			return err
		}
		if err := printExports(out, in, target); err != nil && !errors.Is(err, pe.ErrExportNotFound) {
			return err
		}
	}

	if fo.verify {
		report, err := imagemap.Verify(sources[0].raw, in, target)
		if err != nil {
			return err
		}
		for _, m := range report.Mismatches {
			fmt.Fprintln(out, "mismatch:", m)
		}
		fmt.Fprintf(out, "verified %d sections, %d exports\n", report.Sections, report.Exports)
		if !report.OK() {
			return fmt.Errorf("%d mismatches", len(report.Mismatches))
		}
	}
	return nil
}
