package fleet

import (
	"context"
	"errors"
	"fmt"

	gometrics "github.com/hashicorp/go-metrics"

	"github.com/MrSnakeDoc/fleetmesh/internal/codec"
	"github.com/MrSnakeDoc/fleetmesh/internal/logger"
	"github.com/MrSnakeDoc/fleetmesh/internal/metrics"
	"github.com/MrSnakeDoc/fleetmesh/internal/rpc"
)

// Orchestrator endpoints.
const (
	EndpointCreateNode           = "create_node"
	EndpointCloseNode            = "close_node"
	EndpointGetNodeFromTemplate  = "get_node_from_template"
	EndpointGetNodesFromTemplate = "get_nodes_from_template"
	EndpointGetTemplates         = "get_templates"
	EndpointPlayerJoin           = "player_join"
	EndpointPlayerQuit           = "player_quit"
)

// Endpoints served by workers and by the router.
const (
	EndpointInfo           = "info"
	EndpointStop           = "stop"
	EndpointGetAllPlayers  = "get_all_players"
	EndpointSetInitialNode = "set_initial_node"
	EndpointMovePlayer     = "move_player"
)

type templateRequest struct {
	Template string `json:"template"`
}

type playerRequest struct {
	Node   string `json:"node"`
	Player struct {
		UUID string `json:"uuid"`
	} `json:"player"`
}

// Register adds the orchestrator endpoints to table.
func (f *Fleet) Register(table *rpc.EndpointTable) error {
	handlers := []struct {
		name string
		fn   func(context.Context, codec.Document) (codec.Document, error)
	}{
		{EndpointCreateNode, f.handleCreateNode},
		{EndpointCloseNode, f.handleCloseNode},
		{EndpointGetNodeFromTemplate, f.handleGetNodeFromTemplate},
		{EndpointGetNodesFromTemplate, f.handleGetNodesFromTemplate},
		{EndpointGetTemplates, f.handleGetTemplates},
		{EndpointPlayerJoin, f.handlePlayerJoin},
		{EndpointPlayerQuit, f.handlePlayerQuit},
	}
	for _, h := range handlers {
		if err := table.HandleFunc(h.name, h.fn); err != nil {
			return err
		}
	}
	return nil
}

func failure(reason string) codec.Document {
	return codec.Document{"success": false, "reason": reason}
}

func (f *Fleet) handleCreateNode(ctx context.Context, req codec.Document) (codec.Document, error) {
	var r templateRequest
	if err := codec.Bind(req, &r); err != nil {
		return nil, err
	}
	t, ok := f.Template(r.Template)
	if !ok {
		return failure("unknown_template"), nil
	}
	n, err := t.NewNode(ctx)
	if err != nil {
		if errors.Is(err, ErrMaxNodes) {
			return failure("max_nodes"), nil
		}
		return failure("spawn_failed"), nil
	}
	return codec.Document{
		"success":    true,
		"serverPort": n.Port(),
		"node":       n.DirName(),
	}, nil
}

func (f *Fleet) handleCloseNode(ctx context.Context, req codec.Document) (codec.Document, error) {
	name := req.String("name")
	port := 0
	if name == "" {
		port = req.IntOr("serverPort", 0)
	}
	return codec.Document{"success": f.CloseNode(ctx, name, port)}, nil
}

func (f *Fleet) handleGetNodeFromTemplate(ctx context.Context, req codec.Document) (codec.Document, error) {
	var r templateRequest
	if err := codec.Bind(req, &r); err != nil {
		return nil, err
	}
	t, ok := f.Template(r.Template)
	if !ok {
		return failure("unknown_template"), nil
	}

	n, err := t.Place(ctx)
	if err != nil {
		reason := placementReason(err)
		f.sink.IncrCounterWithLabels(metrics.PlacementRefused, 1, []gometrics.Label{
			metrics.LabelTemplate.M(t.Name()),
			metrics.LabelReason.M(reason),
		})
		t.logger.Debug("placement refused", logger.String("reason", reason))
		return failure(reason), nil
	}
	return codec.Document{
		"success":    true,
		"server":     n.Name(),
		"serverPort": n.Port(),
	}, nil
}

func placementReason(err error) string {
	switch {
	case errors.Is(err, ErrTemplateFull):
		return string(OverflowKick)
	case errors.Is(err, ErrPlacementCancelled):
		return string(OverflowCancel)
	case errors.Is(err, ErrPlacementTimeout):
		return string(OverflowWait)
	case errors.Is(err, ErrNoNode):
		return "no_node"
	default:
		return "unknown"
	}
}

func (f *Fleet) handleGetNodesFromTemplate(_ context.Context, req codec.Document) (codec.Document, error) {
	servers := []string{}
	if t, ok := f.Template(req.String("template")); ok {
		for _, n := range t.Nodes() {
			if p, bound := n.Peer(); bound {
				servers = append(servers, p.Name)
			}
		}
	}
	return codec.Document{"servers": servers}, nil
}

func (f *Fleet) handleGetTemplates(context.Context, codec.Document) (codec.Document, error) {
	names := make([]string, 0, len(f.templates))
	details := make([]codec.Document, 0, len(f.templates))
	for _, t := range f.templates {
		names = append(names, t.Name())
		details = append(details, t.details())
	}
	return codec.Document{"templates": names, "details": details}, nil
}

func (f *Fleet) handlePlayerJoin(ctx context.Context, req codec.Document) (codec.Document, error) {
	r, err := bindPlayer(req)
	if err != nil {
		return nil, err
	}
	if err := f.PlayerJoin(ctx, r.Node, r.Player.UUID); err != nil {
		f.logger.Warn("player join for unknown node",
			logger.String("node", r.Node),
			logger.String("player", r.Player.UUID))
		return codec.Document{"success": false}, nil
	}
	return codec.Document{"success": true}, nil
}

func (f *Fleet) handlePlayerQuit(ctx context.Context, req codec.Document) (codec.Document, error) {
	r, err := bindPlayer(req)
	if err != nil {
		return nil, err
	}
	if err := f.PlayerQuit(ctx, r.Node, r.Player.UUID); err != nil {
		f.logger.Warn("player quit for unknown node",
			logger.String("node", r.Node),
			logger.String("player", r.Player.UUID))
		return codec.Document{"success": false}, nil
	}
	return codec.Document{"success": true}, nil
}

func bindPlayer(req codec.Document) (playerRequest, error) {
	var r playerRequest
	if err := codec.Bind(req, &r); err != nil {
		return r, err
	}
	if r.Node == "" || r.Player.UUID == "" {
		return r, fmt.Errorf("player event without node or player uuid")
	}
	return r, nil
}
