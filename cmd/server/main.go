package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/astromechza/archsync/pkg/doc"
	"github.com/astromechza/archsync/pkg/hub"
	"github.com/astromechza/archsync/pkg/store"
	"github.com/astromechza/archsync/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", "localhost:8080", "the address to listen on")
	dsnVar := flag.String("persistence-dsn", "", "persistence backend (sqlite://<file> or badger://<dir>), empty disables persistence")
	snapshotVar := flag.Duration("snapshot-interval", 30*time.Second, "how often to compact rooms into snapshots")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	st, err := store.Open(*dsnVar)
	if err != nil {
		// one-time configuration choice: run in memory for the whole process
		slog.Error("persistence unavailable, continuing in-memory", "err", err)
		st = nil
	}
	if st != nil {
		defer st.Close()
	}

	registry := hub.NewRegistry(st, slog.Default())
	registry.MustRegisterMetrics(prometheus.DefaultRegisterer)
	slog.Info("registry ready", "persistence", registry.PersistenceMode())

	s := &server{registry: registry}

	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})

	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(s.health)
	r.Methods(http.MethodGet).Path("/rooms").HandlerFunc(s.listRooms)
	r.Methods(http.MethodGet).Path("/rooms/{room}/snapshot").HandlerFunc(s.getSnapshot)
	r.Methods(http.MethodPut).Path("/rooms/{room}/snapshot").HandlerFunc(s.putSnapshot)
	r.Methods(http.MethodGet).Path("/rooms/{room}/graph.svg").HandlerFunc(s.graphSVG)
	r.Methods(http.MethodGet).Path("/rooms/{room}/sync").HandlerFunc(s.sync)
	r.Methods(http.MethodGet).Path("/sync").HandlerFunc(s.sync)
	r.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.Handler())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(*snapshotVar)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				registry.SnapshotDirty(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()

	httpServer := &http.Server{Addr: *addrVar, Handler: r}
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("listening", "addr", *addrVar)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()
	_ = httpServer.Close()
	wg.Wait()

	registry.Close()
	registry.SnapshotDirty(context.Background())
	return nil
}

type server struct {
	registry *hub.Registry
}

func (s *server) health(writer http.ResponseWriter, request *http.Request) {
	writeJSON(writer, s.registry.Health())
}

func (s *server) listRooms(writer http.ResponseWriter, request *http.Request) {
	writeJSON(writer, s.registry.List())
}

func (s *server) getSnapshot(writer http.ResponseWriter, request *http.Request) {
	room, ok := s.registry.Peek(mux.Vars(request)["room"])
	if !ok {
		writer.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(writer, room.Doc().Snapshot())
}

func (s *server) putSnapshot(writer http.ResponseWriter, request *http.Request) {
	var sn doc.Snapshot
	if err := json.NewDecoder(request.Body).Decode(&sn); err != nil {
		slog.Error("failed to decode snapshot body", "err", err)
		writer.WriteHeader(http.StatusBadRequest)
		return
	}
	room := s.registry.GetOrCreate(request.Context(), mux.Vars(request)["room"])
	if err := room.Doc().ApplySnapshot(sn, doc.Local()); err != nil {
		slog.Error("failed to import snapshot", "room", room.ID(), "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writer.WriteHeader(http.StatusNoContent)
}

func (s *server) graphSVG(writer http.ResponseWriter, request *http.Request) {
	room, ok := s.registry.Peek(mux.Vars(request)["room"])
	if !ok {
		writer.WriteHeader(http.StatusNotFound)
		return
	}
	writer.Header().Set("Content-Type", "image/svg+xml")
	if err := viz.RenderSVG(room.Doc().Snapshot(), writer); err != nil {
		slog.Error("failed to render graph", "room", room.ID(), "err", err)
	}
}

func (s *server) sync(writer http.ResponseWriter, request *http.Request) {
	s.registry.ServeSync(writer, request, mux.Vars(request)["room"])
}

func writeJSON(writer http.ResponseWriter, v interface{}) {
	writer.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(writer).Encode(v); err != nil {
		slog.Error("failed to write response", "err", err)
	}
}
