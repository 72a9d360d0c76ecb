// Package cli implements the chat terminal client commands.
package cli

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kubilitics/kubilitics-chat/internal/client"
)

const envPrefix = "KUBILITICS_CHAT"

type app struct {
	v       *viper.Viper
	timeout time.Duration
	stdout  io.Writer
	stderr  io.Writer
}

func NewRootCommand() *cobra.Command {
	return NewRootCommandWithIO(os.Stdout, os.Stderr)
}

func NewRootCommandWithIO(out, errOut io.Writer) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	a := &app{v: v, stdout: out, stderr: errOut}

	cmd := &cobra.Command{
		Use:           "chat",
		Short:         "Terminal client for the kubilitics chat server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(out)
	cmd.SetErr(errOut)

	cmd.PersistentFlags().String("server", "http://localhost:5000", "chat server base URL")
	cmd.PersistentFlags().String("token", "", "bearer credential")
	cmd.PersistentFlags().DurationVar(&a.timeout, "timeout", 2*time.Minute, "how long to wait for a reply")
	_ = v.BindPFlag("server", cmd.PersistentFlags().Lookup("server"))
	_ = v.BindPFlag("token", cmd.PersistentFlags().Lookup("token"))

	cmd.AddCommand(
		newTokenCmd(a),
		newSendCmd(a),
		newHistoryCmd(a),
	)
	return cmd
}

func (a *app) newClient() (*client.Client, error) {
	cfg := client.DefaultConfig()
	cfg.ServerURL = a.v.GetString("server")
	cfg.Token = a.v.GetString("token")
	return client.New(cfg)
}
