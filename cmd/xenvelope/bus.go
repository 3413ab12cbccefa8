package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/trickstertwo/xenvelope"
	_ "github.com/trickstertwo/xenvelope/adapter/redisstream"
	"github.com/trickstertwo/xenvelope/identity"
)

// buildBus wires the configured transport with the identity as signer.
func (a *app) buildBus(id *identity.Identity) (*xenvelope.Bus, error) {
	return xenvelope.NewBusBuilder().
		WithTransport(a.cfg.Transport.Name, a.cfg.Transport.Options).
		WithSigner(id).
		WithVerifier(identity.Verifier{}).
		WithEnvelopeTTL(a.cfg.EnvelopeTTL).
		WithAckTimeout(a.cfg.AckTimeout).
		WithLogger(a.logger).
		Build()
}

func (a *app) sendCmd() *cobra.Command {
	var (
		to, schema, payload, session, protocolDigest string
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Sign and send an envelope over the configured transport",
		Long: `Build an envelope from the configured identity to --to, sign it and publish it.
The sent envelope is printed as JSON.

Example:
  xenvelope send --config agent.yaml --to agent1q... --schema proto:ping-v1 --payload '{"seq":1}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := a.identity()
			if err != nil {
				return err
			}
			var opts []xenvelope.SendOption
			if session != "" {
				sid, err := uuid.Parse(session)
				if err != nil {
					return fmt.Errorf("--session: %w", err)
				}
				opts = append(opts, xenvelope.WithSession(sid))
			}
			if protocolDigest != "" {
				opts = append(opts, xenvelope.WithSendProtocolDigest(protocolDigest))
			}

			bus, err := a.buildBus(id)
			if err != nil {
				return err
			}
			defer bus.Close(context.Background())

			env, err := bus.Send(cmd.Context(), to, schema, payload, opts...)
			if err != nil {
				return err
			}
			a.logger.Info().Str("target", to).Str("session", env.Session.String()).Msg("envelope sent")
			return writeEnvelope(cmd, env)
		},
	}
	f := cmd.Flags()
	f.StringVar(&to, "to", "", "target agent address")
	f.StringVar(&schema, "schema", "", "schema digest of the payload")
	f.StringVar(&payload, "payload", "", "payload text")
	f.StringVar(&session, "session", "", "continue an existing session (UUID)")
	f.StringVar(&protocolDigest, "protocol-digest", "", "protocol digest to attach")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("schema")
	return cmd
}

func (a *app) listenCmd() *cobra.Command {
	var group string
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print verified envelopes addressed to the configured identity",
		Long:  "Subscribe to the identity's address and print every verified envelope as one JSON line until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := a.identity()
			if err != nil {
				return err
			}
			if group == "" {
				group = a.cfg.Group
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			bus, err := a.buildBus(id)
			if err != nil {
				return err
			}
			defer bus.Close(context.Background())

			var mu sync.Mutex
			enc := json.NewEncoder(cmd.OutOrStdout())
			sub, err := bus.Subscribe(ctx, id.Address(), group, func(_ context.Context, env *xenvelope.Envelope) error {
				mu.Lock()
				defer mu.Unlock()
				return enc.Encode(env)
			})
			if err != nil {
				return err
			}
			defer sub.Close()

			a.logger.Info().Str("address", id.Address()).Str("group", group).Msg("listening")
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&group, "group", "", "consumer group (default from config)")
	return cmd
}
