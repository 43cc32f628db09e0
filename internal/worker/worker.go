// Package worker is the reference process a spawned node runs. It reports
// the node's identity to the orchestrator, keeps the node's player list and
// exits when asked to stop.
package worker

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"sync"

	"github.com/MrSnakeDoc/fleetmesh/internal/codec"
	"github.com/MrSnakeDoc/fleetmesh/internal/fleet"
	"github.com/MrSnakeDoc/fleetmesh/internal/logger"
	"github.com/MrSnakeDoc/fleetmesh/internal/rpc"
)

// Player is one connected player.
type Player struct {
	UUID string `json:"uuid"`
	Name string `json:"name,omitempty"`
}

// Requester is the part of the service process the worker forwards through.
type Requester interface {
	RequestByName(ctx context.Context, name, endpoint string, req codec.Document) (codec.Document, error)
}

type Config struct {
	Template     string
	ServerPort   int
	Directory    string // instance directory, the process working directory
	Orchestrator string // service name of the orchestrator, ex: "node-manager"
}

// ServiceName is the name a worker registers under for an instance directory.
func ServiceName(dir string) string {
	return "node-" + filepath.Base(dir)
}

type Worker struct {
	cfg    Config
	name   string
	logger logger.Logger

	mu      sync.RWMutex
	players []Player
	mesh    Requester

	stopCh   chan struct{}
	stopOnce sync.Once
}

func New(cfg Config, log logger.Logger) *Worker {
	if cfg.Orchestrator == "" {
		cfg.Orchestrator = "node-manager"
	}
	name := ServiceName(cfg.Directory)
	return &Worker{
		cfg:    cfg,
		name:   name,
		logger: log.With(logger.String("node", name), logger.String("template", cfg.Template)),
		stopCh: make(chan struct{}),
	}
}

func (w *Worker) Name() string { return w.name }

// Attach sets the service used to reach the orchestrator.
func (w *Worker) Attach(mesh Requester) {
	w.mu.Lock()
	w.mesh = mesh
	w.mu.Unlock()
}

// Stopped is closed once the orchestrator asked this node to stop.
func (w *Worker) Stopped() <-chan struct{} { return w.stopCh }

func (w *Worker) Players() []Player {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return slices.Clone(w.players)
}

// Register adds the worker endpoints to table.
func (w *Worker) Register(table *rpc.EndpointTable) error {
	handlers := map[string]rpc.HandlerFunc{
		fleet.EndpointInfo:          w.handleInfo,
		fleet.EndpointGetAllPlayers: w.handleGetAllPlayers,
		fleet.EndpointStop:          w.handleStop,
		fleet.EndpointPlayerJoin:    w.handlePlayerJoin,
		fleet.EndpointPlayerQuit:    w.handlePlayerQuit,
	}
	for _, name := range []string{
		fleet.EndpointInfo,
		fleet.EndpointGetAllPlayers,
		fleet.EndpointStop,
		fleet.EndpointPlayerJoin,
		fleet.EndpointPlayerQuit,
	} {
		if err := table.Register(name, handlers[name]); err != nil {
			return err
		}
	}
	return nil
}

// Join records a player and reports it to the orchestrator. The player stays
// recorded when the report fails.
func (w *Worker) Join(ctx context.Context, p Player) error {
	if p.UUID == "" {
		return fmt.Errorf("player without uuid")
	}
	w.mu.Lock()
	if slices.ContainsFunc(w.players, func(q Player) bool { return q.UUID == p.UUID }) {
		w.mu.Unlock()
		return nil
	}
	w.players = append(w.players, p)
	w.mu.Unlock()

	w.logger.Info("player joined", logger.String("player", p.UUID), logger.String("name", p.Name))
	return w.forward(ctx, fleet.EndpointPlayerJoin, p)
}

// Quit forgets a player and reports it to the orchestrator.
func (w *Worker) Quit(ctx context.Context, uuid string) error {
	w.mu.Lock()
	i := slices.IndexFunc(w.players, func(q Player) bool { return q.UUID == uuid })
	if i < 0 {
		w.mu.Unlock()
		return nil
	}
	p := w.players[i]
	w.players = slices.Delete(w.players, i, i+1)
	w.mu.Unlock()

	w.logger.Info("player quit", logger.String("player", uuid))
	return w.forward(ctx, fleet.EndpointPlayerQuit, p)
}

func (w *Worker) forward(ctx context.Context, endpoint string, p Player) error {
	w.mu.RLock()
	mesh := w.mesh
	w.mu.RUnlock()
	if mesh == nil {
		return fmt.Errorf("forward %s: not attached", endpoint)
	}

	resp, err := mesh.RequestByName(ctx, w.cfg.Orchestrator, endpoint, codec.Document{
		"node":   w.name,
		"player": codec.Document{"uuid": p.UUID, "name": p.Name},
	})
	if err != nil {
		return fmt.Errorf("forward %s: %w", endpoint, err)
	}
	if !resp.Bool("success") {
		w.logger.Warn("orchestrator rejected player event",
			logger.String("endpoint", endpoint),
			logger.String("player", p.UUID))
	}
	return nil
}

func (w *Worker) uuids() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, len(w.players))
	for i, p := range w.players {
		out[i] = p.UUID
	}
	return out
}

func (w *Worker) handleInfo(context.Context, codec.Document) (codec.Document, error) {
	return codec.Document{
		"directory":  w.cfg.Directory,
		"players":    w.uuids(),
		"serverPort": w.cfg.ServerPort,
		"template":   w.cfg.Template,
	}, nil
}

func (w *Worker) handleGetAllPlayers(context.Context, codec.Document) (codec.Document, error) {
	players := w.Players()
	docs := make([]codec.Document, len(players))
	for i, p := range players {
		docs[i] = codec.Document{"uuid": p.UUID, "name": p.Name}
	}
	return codec.Document{"players": docs}, nil
}

func (w *Worker) handleStop(context.Context, codec.Document) (codec.Document, error) {
	w.stopOnce.Do(func() {
		w.logger.Info("stop requested")
		close(w.stopCh)
	})
	return codec.Document{"success": true}, nil
}

type playerEvent struct {
	Player Player `json:"player"`
}

// player_join/player_quit on a worker come from the game server running in
// the same instance.
func (w *Worker) handlePlayerJoin(ctx context.Context, req codec.Document) (codec.Document, error) {
	var ev playerEvent
	if err := codec.Bind(req, &ev); err != nil {
		return nil, err
	}
	if err := w.Join(ctx, ev.Player); err != nil {
		w.logger.Warn("player join not reported", logger.Error(err))
		return codec.Document{"success": false}, nil
	}
	return codec.Document{"success": true}, nil
}

func (w *Worker) handlePlayerQuit(ctx context.Context, req codec.Document) (codec.Document, error) {
	var ev playerEvent
	if err := codec.Bind(req, &ev); err != nil {
		return nil, err
	}
	if err := w.Quit(ctx, ev.Player.UUID); err != nil {
		w.logger.Warn("player quit not reported", logger.Error(err))
		return codec.Document{"success": false}, nil
	}
	return codec.Document{"success": true}, nil
}
