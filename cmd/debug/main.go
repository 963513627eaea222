package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/astromechza/archsync/pkg/doc"
	"github.com/astromechza/archsync/pkg/store"
)

// Offline inspection of a persisted room: rebuilds the document from the
// snapshot and update log the way the server would on startup, then dumps the
// materialized state as JSON or a graphviz digraph.
func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	dsnVar := flag.String("persistence-dsn", "", "persistence backend (sqlite://<file> or badger://<dir>)")
	dotVar := flag.Bool("dot", false, "print a graphviz digraph instead of JSON")
	flag.Parse()
	if flag.NArg() != 1 {
		return fmt.Errorf("expected one positional argument: the room id")
	}
	roomID := flag.Arg(0)

	st, err := store.Open(*dsnVar)
	if err != nil {
		return err
	}
	if st == nil {
		return fmt.Errorf("-persistence-dsn is required")
	}
	defer st.Close()

	snapshot, updates, err := st.LoadRoom(context.Background(), roomID)
	if err != nil {
		return fmt.Errorf("failed to load room: %w", err)
	}
	d := doc.New()
	if snapshot != nil {
		if d, err = doc.Load(snapshot); err != nil {
			return fmt.Errorf("failed to load snapshot: %w", err)
		}
	}
	for i, u := range updates {
		if err := d.ApplyRemoteUpdate(u, doc.System()); err != nil {
			slog.Error("failed to replay update, skipping", "index", i, "err", err)
		}
	}
	slog.Info("rebuilt room", "room", roomID, "snapshot", len(snapshot), "updates", len(updates))

	sn := d.Snapshot()
	if !*dotVar {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sn)
	}

	fmt.Printf("digraph %q {\n", sn.Title)
	for id := range sn.Nodes {
		fmt.Printf("    %q\n", id)
	}
	for id, raw := range sn.Edges {
		var hint struct {
			From string `json:"from"`
			To   string `json:"to"`
		}
		if err := json.Unmarshal(raw, &hint); err != nil || hint.From == "" || hint.To == "" {
			continue
		}
		fmt.Printf("    %q -> %q [label=%q]\n", hint.From, hint.To, id)
	}
	fmt.Println("}")
	return nil
}
