// Minion CLI - runs a minion server, or talks to a running one
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/minion/agent"
	"github.com/chazu/minion/config"
	"github.com/chazu/minion/journal"
	"github.com/chazu/minion/server"
	"github.com/chazu/minion/transport"

	_ "github.com/tliron/commonlog/simple"
)

var log = commonlog.GetLogger("minion")

func main() {
	configDir := flag.String("config", "", "Directory holding minion.toml (default: search upwards from the working directory)")
	listen := flag.String("listen", "", "Serve bridge sessions on this TCP address")
	stdio := flag.Bool("stdio", false, "Serve a single bridge session on stdin/stdout")
	status := flag.String("status", "", "Serve the status service on this HTTP address")
	journalPath := flag.String("journal", "", "Record calls in this SQLite database")
	localOnly := flag.Bool("local-only", false, "Refuse sessions from non-local peers")
	connectAddr := flag.String("connect", "", "Address of a running minion for -e")
	expr := flag.String("e", "", "Evaluate an expression on the minion at -connect and print the result")
	ps := flag.Bool("ps", false, "List the sessions of the minion whose status service is at -status")
	verbose := flag.Int("v", 0, "Log verbosity: 0 notice, 1 info, 2 debug")
	logPath := flag.String("log", "", "Write logs to this file instead of stderr")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: minion [options]\n\n")
		fmt.Fprintf(os.Stderr, "Hosts a script interpreter that bridge clients drive over a stream.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  minion -stdio                                  # Child process of a bridge client\n")
		fmt.Fprintf(os.Stderr, "  minion -listen 127.0.0.1:7071 -status :7070    # Socket server with status service\n")
		fmt.Fprintf(os.Stderr, "  minion -connect 127.0.0.1:7071 -e '1+1'        # One-shot evaluation\n")
		fmt.Fprintf(os.Stderr, "  minion -status 127.0.0.1:7070 -ps              # List sessions\n")
	}
	flag.Parse()

	cfg, err := loadConfig(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Flags override the file.
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if set["listen"] {
		cfg.Server.Listen = *listen
	}
	if set["status"] {
		cfg.Server.Status = *status
	}
	if set["local-only"] {
		cfg.Server.LocalOnly = *localOnly
	}
	if set["journal"] {
		cfg.Journal.Path = *journalPath
	}
	if set["v"] {
		cfg.Log.Verbosity = *verbose
	}
	if set["log"] {
		cfg.Log.Path = *logPath
	}

	if cfg.Log.Path != "" {
		commonlog.Configure(cfg.Log.Verbosity, &cfg.Log.Path)
	} else {
		commonlog.Configure(cfg.Log.Verbosity, nil)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case *ps:
		err = runPS(ctx, cfg.Server.Status)
	case *expr != "":
		err = runEval(ctx, *connectAddr, *expr)
	case *stdio:
		err = runStdio(cfg)
	case cfg.Server.Listen != "" || cfg.Server.Status != "":
		err = runServe(ctx, cfg)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(dir string) (*config.Config, error) {
	if dir != "" {
		return config.Load(dir)
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	cfg, err := config.FindAndLoad(wd)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

// rewriter patches source with the literal substitutions from [agent].
type rewriter struct {
	r *strings.Replacer
}

func (w rewriter) Patch(src string) (string, error) {
	return w.r.Replace(src), nil
}

// newServer builds a server from cfg. The returned cleanup closes the
// journal after the server has stopped.
func newServer(cfg *config.Config) (*server.MinionServer, func(), error) {
	opts := []server.ServerOption{
		server.WithLocalOnly(cfg.Server.LocalOnly),
		server.WithHandleTTL(cfg.Server.SweepInterval.Duration, cfg.Server.HandleTTL.Duration),
	}

	if cfg.Agent.Enabled {
		agent.Premain(cfg.Agent.Args, rewriter{r: cfg.Replacer()})
		opts = append(opts, server.WithAgent(agent.Default()))
		log.Infof("agent loaded with %d rewrites", len(cfg.Agent.Rewrite))
	}

	var j *journal.Journal
	if path := cfg.JournalPath(); path != "" {
		var err error
		if j, err = journal.Open(path); err != nil {
			return nil, nil, err
		}
		opts = append(opts, server.WithJournal(j))
		log.Infof("journal at %s", path)
	}

	s := server.New(opts...)
	cleanup := func() {
		s.Stop()
		if j != nil {
			j.Close()
		}
	}
	return s, cleanup, nil
}

// runStdio serves one session on stdin/stdout. Stdout carries only the
// ready banner and protocol traffic.
func runStdio(cfg *config.Config) error {
	s, cleanup, err := newServer(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	if _, err := os.Stdout.WriteString(transport.Hello); err != nil {
		return err
	}
	return s.ServeTransport(transport.NewStdio(os.Stdin, os.Stdout))
}

// runServe serves bridge sessions and the status service until ctx ends.
func runServe(ctx context.Context, cfg *config.Config) error {
	s, cleanup, err := newServer(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	g, ctx := errgroup.WithContext(ctx)

	if addr := cfg.Server.Listen; addr != "" {
		p, err := transport.Listen("tcp", addr)
		if err != nil {
			return err
		}
		log.Noticef("bridge listening on %s", p.Addr())
		g.Go(func() error { return s.Serve(p) })
		g.Go(func() error {
			<-ctx.Done()
			return p.Close()
		})
	}

	if addr := cfg.Server.Status; addr != "" {
		hs := &http.Server{Addr: addr, Handler: s.Handler()}
		log.Noticef("status service listening on http://%s%s", addr, server.StatusServicePath)
		g.Go(func() error {
			if err := hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return hs.Close()
		})
	}

	err = g.Wait()
	log.Notice("shutting down")
	return err
}
