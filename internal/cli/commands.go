package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kubilitics/kubilitics-chat/internal/auth"
	"github.com/kubilitics/kubilitics-chat/internal/client"
	wire "github.com/kubilitics/kubilitics-chat/pkg/types"
)

func newTokenCmd(a *app) *cobra.Command {
	var (
		user   string
		issuer string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a signed development credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := a.v.GetString("auth.jwt_secret")
			if secret == "" {
				return fmt.Errorf("--secret or %s_AUTH_JWT_SECRET is required", envPrefix)
			}
			jwt, err := auth.NewJWT(secret, issuer, ttl)
			if err != nil {
				return err
			}
			tok, err := jwt.Issue(user, user)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id to embed in the credential")
	cmd.Flags().String("secret", "", "HMAC secret shared with the server")
	cmd.Flags().StringVar(&issuer, "issuer", "kubilitics-chat", "token issuer")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	_ = a.v.BindPFlag("auth.jwt_secret", cmd.Flags().Lookup("secret"))
	return cmd
}

func newSendCmd(a *app) *cobra.Command {
	var (
		convID   string
		provider string
		model    string
		noStream bool
	)
	cmd := &cobra.Command{
		Use:   "send [text]",
		Short: "Send a prompt and stream the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), a.timeout)
			defer cancel()
			return a.send(ctx, wire.SendPrompt{
				ConversationID: convID,
				Text:           strings.Join(args, " "),
				ProviderID:     provider,
				ModelID:        model,
				Stream:         !noStream,
			})
		},
	}
	cmd.Flags().StringVar(&convID, "conversation", "", "conversation id (empty starts a new one)")
	cmd.Flags().StringVar(&provider, "provider", "", "provider id")
	cmd.Flags().StringVar(&model, "model", "", "model name")
	cmd.Flags().BoolVar(&noStream, "no-stream", false, "wait for the full reply instead of streaming")
	return cmd
}

func (a *app) send(ctx context.Context, prompt wire.SendPrompt) error {
	c, err := a.newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Connect(ctx); err != nil {
		return err
	}
	if prompt.ConversationID != "" {
		if err := c.Join(prompt.ConversationID); err != nil {
			return err
		}
	}
	ref, err := c.Send(prompt)
	if err != nil {
		return err
	}

	convID := prompt.ConversationID
	streamed := false
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for reply: %w", ctx.Err())
		case st := <-c.States():
			if st == client.StateOffline {
				return errors.New("lost connection to server")
			}
		case env, ok := <-c.Events():
			if !ok {
				return client.ErrClosed
			}
			switch env.Type {
			case wire.EventJoined:
				var p wire.Joined
				if env.Decode(&p) == nil && convID == "" {
					convID = p.ConversationID
					fmt.Fprintf(a.stderr, "conversation %s\n", convID)
				}
			case wire.EventGenerationChunk:
				var p wire.GenerationChunk
				if env.Decode(&p) == nil && p.ConversationID == convID {
					fmt.Fprint(a.stdout, p.Text)
					streamed = true
				}
			case wire.EventGenerationComplete:
				var p wire.GenerationComplete
				if env.Decode(&p) != nil || p.ConversationID != convID {
					continue
				}
				if !streamed {
					fmt.Fprint(a.stdout, p.Text)
				}
				fmt.Fprintln(a.stdout)
				return nil
			case wire.EventGenerationCancelled:
				fmt.Fprintln(a.stdout)
				return errors.New("generation cancelled")
			case wire.EventGenerationError:
				var p wire.GenerationError
				if env.Decode(&p) == nil && p.ConversationID == convID {
					return fmt.Errorf("%s: %s", p.ErrorKind, p.Message)
				}
			case wire.EventError:
				if env.Ref != ref {
					continue
				}
				var p wire.Error
				if err := env.Decode(&p); err != nil {
					return err
				}
				return fmt.Errorf("%s: %s", p.ErrorKind, p.Message)
			}
		}
	}
}

func newHistoryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "history <conversation-id>",
		Short: "Print a conversation's messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.newClient()
			if err != nil {
				return err
			}
			defer c.Close()

			conv, err := c.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "# %s (%s/%s) messages=%d tokens=%d\n",
				conv.Title, conv.Provider, conv.Model, conv.Stats.MessageCount, conv.Stats.TotalTokens)
			for _, m := range conv.Messages {
				fmt.Fprintf(a.stdout, "[%s] %s\n", m.Role, m.Content)
			}
			return nil
		},
	}
}
