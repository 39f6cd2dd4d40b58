package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/dkeye/Mesh/internal/adapters/rtc"
	"github.com/dkeye/Mesh/internal/adapters/signalclient"
	"github.com/dkeye/Mesh/internal/app/mesh"
	"github.com/dkeye/Mesh/internal/config"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a room and relay stdin lines to every peer",
	Long: `Join a room and relay stdin lines to every peer.

Examples:
  meshclient join --room lobby --peer alice
  MESH_SERVER=wss://mesh.example.org/peers meshclient join --room lobby --peer bob`,
	Args: cobra.NoArgs,
	RunE: runJoin,
}

func init() {
	f := joinCmd.Flags()
	f.String("server", "ws://localhost:1445/peers", "coordinator websocket URL")
	f.String("room", "", "room to join")
	f.String("peer", "", "peer identity announced to the room")
	f.StringSlice("stun", []string{"stun:stun.l.google.com:19302"}, "STUN server URLs")
	f.String("turn", "", "TURN server host")
	f.String("turn-user", "", "TURN username")
	f.String("turn-pass", "", "TURN password")
	f.Duration("dial-timeout", mesh.DefaultDialTimeout, "per-peer connection timeout")
	f.Duration("join-timeout", config.DefaultJoinTimeout, "how long to wait for the room snapshot")
	f.String("log-level", "warn", "log level")
}

// chat is the payload this client puts on the wire.
type chat struct {
	Text string `json:"text"`
}

// printer serializes terminal output from callback goroutines.
type printer struct {
	mu  sync.Mutex
	out io.Writer
	err io.Writer
}

func (p *printer) line(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format+"\n", args...)
}

func (p *printer) warn(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.err, "! %v\n", err)
}

func (p *printer) message(from domain.PeerID, data []byte) {
	msg, err := mesh.DecodeMessage(data)
	if err != nil {
		p.line("<%s> %s", from, data)
		return
	}
	var c chat
	if err := json.Unmarshal(msg.Payload, &c); err != nil || c.Text == "" {
		p.line("[%s] <%s> %s", msg.Time().Format("15:04:05"), from, msg.Payload)
		return
	}
	p.line("[%s] <%s> %s", msg.Time().Format("15:04:05"), from, c.Text)
}

func runJoin(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadClient(cmd.Flags())
	if err != nil {
		return err
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := &printer{out: cmd.OutOrStdout(), err: cmd.ErrOrStderr()}
	sc := signalclient.NewClient(cfg.ServerURL)
	tr := rtc.NewTransport(rtc.Config{
		STUN:     cfg.STUNServers,
		TURN:     cfg.TURNServers(),
		TURNUser: cfg.TURNUser,
		TURNPass: cfg.TURNPass,
	}, sc)

	m := mesh.New(domain.PeerID(cfg.Peer), domain.RoomName(cfg.Room), sc, tr, mesh.Options{
		DialTimeout: cfg.DialTimeout,
		Callbacks: mesh.Callbacks{
			OnMessage: p.message,
			OnWarning: p.warn,
			OnStatus:  func(s string) { p.line("* %s", s) },
			OnPeerList: func(peers []domain.PeerID) {
				names := make([]string, len(peers))
				for i, pe := range peers {
					names[i] = string(pe)
				}
				p.line("* peers: [%s]", strings.Join(names, ", "))
			},
		},
	})
	tr.SetAcceptor(m)

	if err := sc.Connect(ctx, signalclient.Handler{Events: m, Signal: tr.HandleSignal}); err != nil {
		return err
	}
	defer func() {
		m.Teardown()
		tr.Close()
		sc.Close()
	}()

	joinCtx, cancel := context.WithTimeout(ctx, cfg.JoinTimeout)
	err = m.Join(joinCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("join %s: %w", cfg.Room, err)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			payload, err := json.Marshal(chat{Text: line})
			if err != nil {
				return err
			}
			m.Send(payload)
		}
	}
}
