package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/trickstertwo/xenvelope"
	"github.com/trickstertwo/xenvelope/identity"
)

func readEnvelope(cmd *cobra.Command, args []string) (*xenvelope.Envelope, error) {
	raw, err := readInput(cmd, args)
	if err != nil {
		return nil, err
	}
	return xenvelope.DecodeEnvelope(nil, raw)
}

func writeEnvelope(cmd *cobra.Command, env *xenvelope.Envelope) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(env)
}

func (a *app) digestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "digest [file]",
		Short: "Print the hex SHA-256 digest of an envelope",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := readEnvelope(cmd, args)
			if err != nil {
				return err
			}
			d := env.Digest()
			fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(d[:]))
			return nil
		},
	}
}

func (a *app) signCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sign [file]",
		Short: "Sign an envelope with the configured identity",
		Long:  "Sign an envelope read from file or stdin. The envelope sender must be the identity's address.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := a.identity()
			if err != nil {
				return err
			}
			env, err := readEnvelope(cmd, args)
			if err != nil {
				return err
			}
			if env.Sender != id.Address() {
				return fmt.Errorf("%w: envelope sender %s, identity %s", xenvelope.ErrSenderMismatch, env.Sender, id.Address())
			}
			if err := env.Sign(id); err != nil {
				return err
			}
			return writeEnvelope(cmd, env)
		},
	}
}

func (a *app) verifyCmd() *cobra.Command {
	var checkExpiry bool
	cmd := &cobra.Command{
		Use:   "verify [file]",
		Short: "Verify an envelope signature; exits 1 when rejected",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := readEnvelope(cmd, args)
			if err != nil {
				return err
			}
			reason := ""
			ok, err := env.Verify(identity.Verifier{})
			switch {
			case err != nil:
				reason = err.Error()
			case !env.IsSigned():
				reason = xenvelope.ErrUnsigned.Error()
			case !ok:
				reason = xenvelope.ErrInvalidSignature.Error()
			case checkExpiry && env.Expires != nil && uint64(time.Now().Unix()) > *env.Expires:
				reason = xenvelope.ErrEnvelopeExpired.Error()
			}

			if reason != "" {
				a.logger.Warn().Str("sender", env.Sender).Str("reason", reason).Msg("envelope rejected")
				fmt.Fprintln(cmd.OutOrStdout(), "invalid")
				return errRejected
			}
			fmt.Fprintln(cmd.OutOrStdout(), "valid")
			return nil
		},
	}
	cmd.Flags().BoolVar(&checkExpiry, "check-expiry", false, "also reject envelopes past their expires time")
	return cmd
}

func (a *app) encodeCmd() *cobra.Command {
	var payload string
	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Print the base64 payload encoding of --payload",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var env xenvelope.Envelope
			env.EncodePayload(payload)
			fmt.Fprintln(cmd.OutOrStdout(), *env.Payload)
			return nil
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", "payload text")
	_ = cmd.MarkFlagRequired("payload")
	return cmd
}

func (a *app) decodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode [file]",
		Short: "Print the decoded payload text of an envelope",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := readEnvelope(cmd, args)
			if err != nil {
				return err
			}
			text, ok, err := env.DecodePayload()
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("envelope has no payload")
			}
			fmt.Fprintln(cmd.OutOrStdout(), text)
			return nil
		},
	}
}
