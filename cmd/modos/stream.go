package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"

	"modos/internal/crypt"
	"modos/internal/genomics"
)

func (a *app) streamCmd() *cobra.Command {
	var region, output string
	cmd := &cobra.Command{
		Use:   "stream <location> <data_path>",
		Short: "Stream a genomic file, optionally restricted to a region",
		Long: `stream writes the records of a CRAM, BAM, VCF or BCF payload overlapping
--region (chr:start-end, 1-based inclusive). Remote objects are served
through the htsget service when one is configured.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			o, err := a.load(ctx, args[0])
			if err != nil {
				return err
			}
			var opts []genomics.StreamerOption
			if o.IsRemote() {
				services, err := a.endpoints.Services(ctx)
				if err != nil {
					return err
				}
				if services.Htsget != "" {
					opts = append(opts, genomics.WithHtsget(genomics.NewClient(services.Htsget)))
				}
			}
			var r *genomics.Region
			if region != "" {
				parsed, err := genomics.ParseRegion(region)
				if err != nil {
					return err
				}
				r = &parsed
			}
			rc, format, err := genomics.NewStreamer(o, opts...).Stream(ctx, args[1], r)
			if err != nil {
				return err
			}
			defer func() { err = errs.Combine(err, rc.Close()) }()

			var w io.Writer = a.stdout
			if output != "" {
				f, createErr := os.Create(output)
				if createErr != nil {
					return createErr
				}
				defer func() { err = errs.Combine(err, f.Close()) }()
				w = f
			}
			n, err := io.Copy(w, rc)
			if err != nil {
				return err
			}
			a.logger.Debug("streamed", "path", args[1], "format", format, "region", region, "bytes", n)
			return nil
		},
	}
	cmd.Flags().StringVarP(&region, "region", "r", "", "genomic region, e.g. chr1:100-200")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to a file instead of stdout")
	return cmd
}

func (a *app) c4ghCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "c4gh",
		Short: "Encrypt or decrypt the payloads of a local MODO with crypt4gh",
	}
	passphraseEnv := cmd.PersistentFlags().String("passphrase-env", "", "environment variable holding the private key passphrase")
	passphrase := func() []byte {
		if *passphraseEnv == "" {
			return nil
		}
		return []byte(os.Getenv(*passphraseEnv))
	}

	var pubOut, secOut string
	keygen := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a crypt4gh key pair",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) (err error) {
			public, private, err := crypt.GenerateKeyPair()
			if err != nil {
				return err
			}
			pub, err := os.OpenFile(pubOut, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
			if err != nil {
				return err
			}
			defer func() { err = errs.Combine(err, pub.Close()) }()
			sec, err := os.OpenFile(secOut, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
			if err != nil {
				return err
			}
			defer func() { err = errs.Combine(err, sec.Close()) }()
			if err := crypt.WriteKeyPair(pub, sec, public, private, passphrase()); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "wrote %s and %s\n", pubOut, secOut)
			return nil
		},
	}
	keygen.Flags().StringVar(&pubOut, "public", "modos.pub", "public key output")
	keygen.Flags().StringVar(&secOut, "secret", "modos.sec", "private key output")

	var recipients []string
	var senderKey string
	encrypt := &cobra.Command{
		Use:   "encrypt <location>",
		Short: "Seal every payload for the given recipients",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if len(recipients) == 0 {
				return fmt.Errorf("at least one --recipient is required")
			}
			keys := make([][]byte, len(recipients))
			for i, p := range recipients {
				b, err := os.ReadFile(p)
				if err != nil {
					return err
				}
				keys[i] = b
			}
			opts := []crypt.Option{crypt.WithRecipients(keys[1:]...), crypt.WithPassphrase(passphrase())}
			if senderKey != "" {
				b, err := os.ReadFile(senderKey)
				if err != nil {
					return err
				}
				opts = append(opts, crypt.WithSenderKey(b))
			}
			o, err := a.load(ctx, args[0])
			if err != nil {
				return err
			}
			if err := crypt.Encrypt(ctx, o, keys[0], opts...); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "encrypted %d files in %s\n", len(o.ListFiles()), o.ID())
			return nil
		},
	}
	encrypt.Flags().StringArrayVar(&recipients, "recipient", nil, "recipient public key file (repeatable)")
	encrypt.Flags().StringVar(&senderKey, "sender-key", "", "sender private key file; a throwaway key is used when empty")

	var secret string
	decrypt := &cobra.Command{
		Use:   "decrypt <location>",
		Short: "Open every sealed payload with a private key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := os.ReadFile(secret)
			if err != nil {
				return err
			}
			o, err := a.load(ctx, args[0])
			if err != nil {
				return err
			}
			if err := crypt.Decrypt(ctx, o, b, crypt.WithPassphrase(passphrase())); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "decrypted %d files in %s\n", len(o.ListFiles()), o.ID())
			return nil
		},
	}
	decrypt.Flags().StringVar(&secret, "secret", "", "private key file")
	_ = decrypt.MarkFlagRequired("secret")

	cmd.AddCommand(keygen, encrypt, decrypt)
	return cmd
}
