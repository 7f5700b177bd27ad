package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	snapctrl "github.com/snapctrl/go-snapctrl"
)

const envPrefix = "SNAPCTRL"

func newRootCmd() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:           "snapctrl",
		Short:         "Control Snapcast multi-room audio servers",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			v.SetEnvPrefix(envPrefix)
			v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
			v.AutomaticEnv()
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			if v.GetBool("verbose") {
				slog.SetLogLoggerLevel(slog.LevelDebug)
			} else {
				slog.SetLogLoggerLevel(slog.LevelWarn)
			}
			return nil
		},
	}

	root.PersistentFlags().String("host", "", "server host (discovered via mDNS when empty)")
	root.PersistentFlags().Int("port", snapctrl.DefaultControlPort, "server control port")
	root.PersistentFlags().Duration("timeout", 5*time.Second, "dial and discovery timeout")
	root.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newDiscoverCmd(v),
		newStatusCmd(v),
		newVolumeCmd(v),
		newMuteCmd(v),
		newStreamCmd(v),
		newRenameCmd(v),
		newWatchCmd(v),
		newClientCmd(v),
	)
	return root
}

// resolveServer picks the target server: explicit --host/--port, or the
// first mDNS answer.
func resolveServer(ctx context.Context, v *viper.Viper) (host string, port int, err error) {
	host = v.GetString("host")
	port = v.GetInt("port")
	if host != "" {
		return host, port, nil
	}

	srv, err := snapctrl.DiscoverFirst(ctx, v.GetDuration("timeout"))
	if err != nil {
		return "", 0, fmt.Errorf("discovery: %w", err)
	}
	if srv == nil {
		return "", 0, errors.New("no server found; pass --host")
	}
	fmt.Fprintf(os.Stderr, "using discovered server %s (%s)\n", srv.DisplayName(), srv.Address())
	return srv.Host, srv.Port, nil
}

// dial opens a one-shot control session for simple commands.
func dial(ctx context.Context, v *viper.Viper) (*snapctrl.Conn, error) {
	host, port, err := resolveServer(ctx, v)
	if err != nil {
		return nil, err
	}
	return snapctrl.Dial(ctx, host, port, snapctrl.WithCallTimeout(v.GetDuration("timeout")))
}

func newDiscoverCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "List snapservers on the local network",
		RunE: func(cmd *cobra.Command, _ []string) error {
			servers, err := snapctrl.DiscoverAll(cmd.Context(), v.GetDuration("timeout"))
			if err != nil {
				return err
			}
			if len(servers) == 0 {
				fmt.Println("no servers found")
				return nil
			}
			for _, s := range servers {
				fmt.Printf("%s\t%s\t%s\n", s.DisplayName(), s.Address(), s.Hostname)
			}
			return nil
		},
	}
}

func newStatusCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show groups, clients, and sources",
		RunE: func(cmd *cobra.Command, _ []string) error {
			conn, err := dial(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer conn.Close()

			state, err := conn.Status(cmd.Context())
			if err != nil {
				return err
			}
			printStatus(state)
			return nil
		},
	}
}

func printStatus(state snapctrl.ServerState) {
	if state.Server.Name != "" || state.Version != "" {
		fmt.Printf("server: %s %s\n", state.Server.Name, state.Version)
	}
	for _, g := range state.Groups {
		mute := ""
		if g.Muted {
			mute = " [muted]"
		}
		name := g.Name
		if name == "" {
			name = g.ID
		}
		fmt.Printf("group %s%s  stream=%s\n", name, mute, g.StreamID)
		for _, id := range g.ClientIDs {
			c, ok := state.Client(id)
			if !ok {
				fmt.Printf("  client %s (unknown)\n", id)
				continue
			}
			conn := "offline"
			if c.Connected {
				conn = "online"
			}
			mute := ""
			if c.Muted {
				mute = " muted"
			}
			fmt.Printf("  client %s  vol=%d%%%s  %s\n", c.DisplayName(), c.Volume, mute, conn)
		}
	}
	for _, s := range state.Sources {
		line := fmt.Sprintf("source %s  %s", s.ID, s.Status)
		if s.IsPlaying() && s.MetaTitle != "" {
			line += "  " + s.MetaTitle
			if s.MetaArtist != "" {
				line += " - " + s.MetaArtist
			}
		}
		fmt.Println(line)
	}
}

func newVolumeCmd(v *viper.Viper) *cobra.Command {
	var mute bool
	cmd := &cobra.Command{
		Use:   "volume <client-id> <percent>",
		Short: "Set a client's volume",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			percent, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid percent %q", args[1])
			}
			percent = snapctrl.ClampVolume(percent)

			conn, err := dial(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer conn.Close()

			return conn.SetClientVolume(cmd.Context(), args[0], percent, mute)
		},
	}
	cmd.Flags().BoolVar(&mute, "mute", false, "also mute the client")
	return cmd
}

func newMuteCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "mute {client|group} <id> {on|off}",
		Short: "Mute or unmute a client or group",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var muted bool
			switch args[2] {
			case "on":
				muted = true
			case "off":
				muted = false
			default:
				return fmt.Errorf("expected on or off, got %q", args[2])
			}

			conn, err := dial(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer conn.Close()

			switch args[0] {
			case "client":
				c, err := findClient(cmd.Context(), conn, args[1])
				if err != nil {
					return err
				}
				return conn.SetClientVolume(cmd.Context(), c.ID, c.Volume, muted)
			case "group":
				return conn.SetGroupMute(cmd.Context(), args[1], muted)
			default:
				return fmt.Errorf("expected client or group, got %q", args[0])
			}
		},
	}
}

func newStreamCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "stream <group-id> <stream-id>",
		Short: "Assign a source to a group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer conn.Close()

			return conn.SetGroupStream(cmd.Context(), args[0], args[1])
		},
	}
}

func newRenameCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "rename {client|group} <id> <name>",
		Short: "Rename a client or group",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer conn.Close()

			switch args[0] {
			case "client":
				return conn.SetClientName(cmd.Context(), args[1], args[2])
			case "group":
				return conn.SetGroupName(cmd.Context(), args[1], args[2])
			default:
				return fmt.Errorf("expected client or group, got %q", args[0])
			}
		},
	}
}

func findClient(ctx context.Context, conn *snapctrl.Conn, id string) (snapctrl.Client, error) {
	state, err := conn.Status(ctx)
	if err != nil {
		return snapctrl.Client{}, err
	}
	c, ok := state.Client(id)
	if !ok {
		return snapctrl.Client{}, fmt.Errorf("unknown client %q", id)
	}
	return c, nil
}

func newClientCmd(v *viper.Viper) *cobra.Command {
	var (
		binary string
		hostID string
	)
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Run a local snapclient against the server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			host, port, err := resolveServer(cmd.Context(), v)
			if err != nil {
				return err
			}

			path := snapctrl.FindSnapclient(binary)
			if path == "" {
				return errors.New("snapclient binary not found; install snapclient or pass --snapclient")
			}
			version, err := snapctrl.ValidateSnapclient(cmd.Context(), path)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "using snapclient %s (%s)\n", version, path)

			opts := []snapctrl.RunnerOption{snapctrl.WithRunnerBinary(path)}
			if hostID != "" {
				opts = append(opts, snapctrl.WithRunnerHostID(hostID))
			}
			r := snapctrl.NewRunner(opts...)
			// The runner wants the streaming port, one below the control port.
			if err := r.Start(host, port-1); err != nil {
				return err
			}
			defer r.Stop()

			for {
				select {
				case ev := <-r.Events():
					switch {
					case ev.Err != nil:
						fmt.Printf("%s\t%s\t%v\n", time.Now().Format(time.TimeOnly), ev.State, ev.Err)
					case ev.ClientID != "":
						fmt.Printf("%s\tclient id %s\n", time.Now().Format(time.TimeOnly), ev.ClientID)
					default:
						fmt.Printf("%s\t%s\n", time.Now().Format(time.TimeOnly), ev.State)
					}
				case <-cmd.Context().Done():
					return nil
				}
			}
		},
	}
	cmd.Flags().StringVar(&binary, "snapclient", "", "path to the snapclient binary")
	cmd.Flags().StringVar(&hostID, "host-id", "", "custom host id passed to snapclient")
	return cmd
}

func newWatchCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stay connected and stream server events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			host, port, err := resolveServer(cmd.Context(), v)
			if err != nil {
				return err
			}

			store := snapctrl.NewStore()
			w := snapctrl.NewWorker(host, port, store,
				snapctrl.WithConnOptions(snapctrl.WithCallTimeout(v.GetDuration("timeout"))))
			if err := w.Start(); err != nil {
				return err
			}
			defer w.Stop()

			for {
				select {
				case ev := <-w.Events():
					switch ev.Kind {
					case snapctrl.EventError:
						fmt.Printf("%s\terror: %v\n", time.Now().Format(time.TimeOnly), ev.Err)
					case snapctrl.EventStateChanged:
						fmt.Printf("%s\t%s\t%s\n", time.Now().Format(time.TimeOnly), ev.Kind, ev.Method)
					default:
						fmt.Printf("%s\t%s\n", time.Now().Format(time.TimeOnly), ev.Kind)
					}
				case <-cmd.Context().Done():
					return nil
				}
			}
		},
	}
}
