package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/mds/value"
	"github.com/danderson/dynbus"
	"github.com/kr/pretty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var globalArgs = struct {
	UseSessionBus bool   `flag:"session,Connect to session bus instead of system bus"`
	LogLevel      string `flag:"log-level,Minimum level of logs to print (debug, info, warn, error)"`
	LogJSON       bool   `flag:"log-json,Print logs as JSON"`
}{
	LogLevel: "warn",
}

var listenArgs = struct {
	Name string `flag:"name,Instance name to claim on the bus"`
}{
	Name: "listener",
}

var callArgs struct {
	NoReply bool `flag:"no-reply,Do not wait for a reply"`
}

var serveArgs struct {
	Config string `flag:"config,Path to the YAML handler table"`
}

// newLogger returns a logger writing to stderr, configured by the
// global flags.
func newLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(globalArgs.LogLevel))
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level: %w", err)
	}

	var enc zapcore.Encoder
	if globalArgs.LogJSON {
		enc = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	} else {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(cfg)
	}
	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)
	return zap.New(core, zap.AddStacktrace(zap.ErrorLevel)), nil
}

// busConn connects to the bus selected by the global flags.
func busConn(ctx context.Context) (*dynbus.Conn, *zap.Logger, error) {
	log, err := newLogger()
	if err != nil {
		return nil, nil, err
	}
	mk := dynbus.SystemBus
	if globalArgs.UseSessionBus {
		mk = dynbus.SessionBus
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, err := mk(ctx, dynbus.Options{Logger: log.Named("conn")})
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to bus: %w", err)
	}
	return conn, log, nil
}

// claim requests the well-known name for instance.
func claim(ctx context.Context, conn *dynbus.Conn, log *zap.Logger, instance string) error {
	name := dynbus.ServiceName(instance)
	primary, err := conn.RequestName(ctx, name, 0)
	if err != nil {
		return fmt.Errorf("claiming name %q: %w", name, err)
	}
	if primary {
		log.Info("acquired name", zap.String("name", name))
	} else {
		log.Warn("queued for name, another peer owns it", zap.String("name", name))
	}
	return nil
}

func main() {
	root := &command.C{
		Name:     "dynbus",
		Usage:    "command args...",
		Help:     "Send and receive DBus messages carrying dynamic values.",
		SetFlags: command.Flags(flax.MustBind, &globalArgs),
		Commands: []*command.C{
			{
				Name:  "listen",
				Usage: "listen [interface]",
				Help: `Listen to bus messages.

Claims the name ` + dynbus.BaseName + `.<name> on the bus, and prints
every signal of the given interface (or all signals, if no interface
is given) and every message sent to the claimed name.`,
				SetFlags: command.Flags(flax.MustBind, &listenArgs),
				Run:      runListen,
			},
			{
				Name:  "call",
				Usage: "call dest path interface member [args...]",
				Help: `Call a method and print its reply.

Each argument is parsed as a YAML value: 42 is an int32, true a
boolean, [a, b] an array, {k: 1} a map. Quote strings that would
otherwise parse as something else: '"42"'.`,
				SetFlags: command.Flags(flax.MustBind, &callArgs),
				Run:      runCall,
			},
			{
				Name:  "emit",
				Usage: "emit path interface member [args...]",
				Help:  "Broadcast a signal. Arguments are parsed as for call.",
				Run:   runEmit,
			},
			{
				Name:  "serve",
				Usage: "serve --config table.yaml",
				Help: `Answer method calls from a table of canned replies.

The table is a YAML document:

  name: example          # claimed as ` + dynbus.BaseName + `.example
  handlers:
    - member: Ping
      reply: [pong, 1]   # reply arguments
    - member: Broken
      error: it broke    # reply with an error
    - member: "*"        # every member, after the exact matches
      echo: true         # reply with the call's own arguments`,
				SetFlags: command.Flags(flax.MustBind, &serveArgs),
				Run:      command.Adapt(runServe),
			},
			command.HelpCommand(nil),
			command.VersionCommand(),
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	env := root.NewEnv(nil).SetContext(ctx)
	command.RunOrFail(env, os.Args[1:])
}

// messagePrinter is a filter that prints every message it sees.
type messagePrinter struct {
	match *dynbus.Match
	self  string
}

func (p *messagePrinter) Filter(m *dynbus.Message) dynbus.FilterResult {
	if !p.match.Matches(m) && m.Destination != p.self {
		return dynbus.NotHandled
	}
	args, err := dynbus.DecodeArgs(m)
	if err != nil {
		fmt.Printf("%s %s.%s from %s: %v\n\n", m.Type, m.Interface, m.Member, m.Sender, err)
		return dynbus.Handled
	}
	fmt.Printf("%s %s.%s from %s on object %s:\n  %# v\n\n", m.Type, m.Interface, m.Member, m.Sender, m.Path, pretty.Formatter(args))
	return dynbus.Handled
}

func runListen(env *command.Env) error {
	if len(env.Args) > 1 {
		return env.Usagef("too many arguments")
	}
	conn, log, err := busConn(env.Context())
	if err != nil {
		return err
	}
	defer conn.Close()

	match := dynbus.MatchAllSignals()
	if len(env.Args) == 1 {
		match = dynbus.SignalMatch(env.Args[0])
	}
	if err := claim(env.Context(), conn, log, listenArgs.Name); err != nil {
		return err
	}
	if err := conn.AddMatch(env.Context(), match); err != nil {
		return fmt.Errorf("adding match %s: %w", match, err)
	}

	fmt.Println("Listening for messages...")
	err = conn.Serve(env.Context(), &messagePrinter{
		match: match,
		self:  dynbus.ServiceName(listenArgs.Name),
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runCall(env *command.Env) error {
	if len(env.Args) < 4 {
		return env.Usagef("missing arguments")
	}
	args, err := parseArgs(env.Args[4:])
	if err != nil {
		return err
	}
	conn, _, err := busConn(env.Context())
	if err != nil {
		return err
	}
	defer conn.Close()

	m, err := conn.Builder().Call(dynbus.Call{
		Destination: value.Just(env.Args[0]),
		Path:        env.Args[1],
		Interface:   env.Args[2],
		Member:      env.Args[3],
		Args:        args,
		NoReply:     callArgs.NoReply,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(env.Context(), time.Minute)
	defer cancel()
	reply, err := conn.Call(ctx, m)
	if err != nil {
		return fmt.Errorf("calling %s.%s: %w", env.Args[2], env.Args[3], err)
	}
	if reply == nil {
		return nil
	}
	ret, err := dynbus.DecodeArgs(reply)
	if err != nil {
		return err
	}
	fmt.Printf("%# v\n", pretty.Formatter(ret))
	return nil
}

func runEmit(env *command.Env) error {
	if len(env.Args) < 3 {
		return env.Usagef("missing arguments")
	}
	args, err := parseArgs(env.Args[3:])
	if err != nil {
		return err
	}
	conn, _, err := busConn(env.Context())
	if err != nil {
		return err
	}
	defer conn.Close()

	m, err := conn.Builder().Signal(dynbus.Call{
		Path:      env.Args[0],
		Interface: env.Args[1],
		Member:    env.Args[2],
		Args:      args,
	})
	if err != nil {
		return err
	}
	return conn.Send(m)
}

func runServe(env *command.Env) error {
	if serveArgs.Config == "" {
		return env.Usagef("--config is required")
	}
	cfg, err := loadConfig(serveArgs.Config)
	if err != nil {
		return err
	}
	conn, log, err := busConn(env.Context())
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := claim(env.Context(), conn, log, cfg.Name); err != nil {
		return err
	}
	reg, err := cfg.registry(log.Named("handler"))
	if err != nil {
		return err
	}

	err = conn.Serve(env.Context(), &dynbus.Dispatcher{
		Conn:     conn,
		Registry: reg,
		Builder:  conn.Builder(),
		Logger:   log.Named("dispatch"),
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
