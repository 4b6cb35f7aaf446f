package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/chazu/minion/bridge"
	"github.com/chazu/minion/server"
)

// runEval evaluates expr on the minion at addr and prints the result.
func runEval(ctx context.Context, addr, expr string) error {
	if addr == "" {
		return fmt.Errorf("-e needs -connect")
	}
	c, err := bridge.Dial(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer c.Close()

	v, err := c.Eval(ctx, expr)
	if err != nil {
		return err
	}
	fmt.Println(formatValue(v))
	return nil
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case *bridge.Object:
		return x.String()
	}
	return fmt.Sprint(v)
}

// runPS lists the sessions of the minion whose status service is at addr.
func runPS(ctx context.Context, addr string) error {
	if addr == "" {
		return fmt.Errorf("-ps needs -status")
	}
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	client := server.NewStatusClient(http.DefaultClient, base)

	st, err := client.Status(ctx)
	if err != nil {
		return err
	}
	sessions, err := client.ListSessions(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("up %s, %d calls, %d handles\n", st.Uptime.Round(time.Second), st.Calls, st.Handles)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tUSER\tADDR\tLOCAL\tAGE\tCALLS\tHANDLES")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\t%d\t%d\n",
			s.ID, s.User, s.Addr, s.Local, time.Since(s.Started).Round(time.Second), s.Calls, s.Handles)
	}
	return w.Flush()
}
