// Package membership keeps the local view of live peers, fed by the shared
// registry and by join/close announcements.
package membership

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	gometrics "github.com/hashicorp/go-metrics"

	"github.com/MrSnakeDoc/fleetmesh/internal/announce"
	"github.com/MrSnakeDoc/fleetmesh/internal/codec"
	"github.com/MrSnakeDoc/fleetmesh/internal/logger"
	"github.com/MrSnakeDoc/fleetmesh/internal/metrics"
	"github.com/MrSnakeDoc/fleetmesh/internal/registry"
	"github.com/MrSnakeDoc/fleetmesh/internal/scheduler"
)

// Announcement document fields.
const (
	FieldStatus    = "status"
	FieldName      = "name"
	FieldUUID      = "uuid"
	FieldAddress   = "address"
	FieldPort      = "port"
	FieldEndpoints = "endpoints"
	FieldTags      = "tags"

	StatusJoin  = "join"
	StatusClose = "close"
)

var (
	ErrUnknownStatus         = errors.New("membership: unknown announcement status")
	ErrMalformedAnnouncement = errors.New("membership: malformed announcement")
)

// Callback observes a peer entering or leaving the directory.
type Callback func(ctx context.Context, p Peer)

// Config identifies the owning process.
type Config struct {
	SelfName     string
	SelfUUID     string
	PollInterval time.Duration
	// TagFilter restricts callbacks to peers carrying this tag. Empty means all peers.
	TagFilter string
}

// Directory is the per-process peer table.
type Directory struct {
	cfg        Config
	registry   registry.Registry
	transport  announce.Transport
	logger     logger.Logger
	sink       gometrics.MetricSink
	onOpen     Callback
	onClose    Callback
	reannounce func(ctx context.Context)

	mu       sync.RWMutex
	peers    map[string]Peer     // name -> peer
	snapshot map[string]struct{} // registry IDs seen on the previous poll

	task   *scheduler.Task
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Directory)

func WithOnOpen(cb Callback) Option {
	return func(d *Directory) { d.onOpen = cb }
}

func WithOnClose(cb Callback) Option {
	return func(d *Directory) { d.onClose = cb }
}

// WithReannounce sets how the owning process re-sends its own join packet
// when a new peer shows up.
func WithReannounce(fn func(ctx context.Context)) Option {
	return func(d *Directory) { d.reannounce = fn }
}

func WithMetricSink(sink gometrics.MetricSink) Option {
	return func(d *Directory) { d.sink = sink }
}

// New builds a directory. reg or tr may be nil to disable that discovery path.
func New(cfg Config, reg registry.Registry, tr announce.Transport, log logger.Logger, opts ...Option) *Directory {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	d := &Directory{
		cfg:       cfg,
		registry:  reg,
		transport: tr,
		logger:    log,
		peers:     make(map[string]Peer),
		snapshot:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.sink = metrics.OrBlackhole(d.sink)
	d.task = scheduler.NewTask("directory-poll", cfg.PollInterval, d.Poll, log, scheduler.WithRunOnStart())
	return d
}

// Start begins registry polling and the announcement listener.
func (d *Directory) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	if d.registry != nil {
		d.task.Start(ctx)
	}
	if d.transport != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.transport.Listen(ctx, func(payload []byte) {
				d.onAnnouncement(ctx, payload)
			}); err != nil {
				d.logger.Error("announcement listener stopped", logger.Error(err))
			}
		}()
	}
}

// Stop ends polling and listening; an in-flight poll is allowed to finish.
func (d *Directory) Stop() {
	d.task.Stop()
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

func (d *Directory) onAnnouncement(ctx context.Context, payload []byte) {
	err := d.HandleAnnouncement(ctx, payload)
	switch {
	case err == nil:
	case errors.Is(err, ErrUnknownStatus):
		d.sink.IncrCounterWithLabels(metrics.AnnounceInErrorCount, 1, []gometrics.Label{metrics.LabelError.M("unknown_status")})
		d.logger.Error("announcement with unknown status dropped", logger.Error(err))
	default:
		d.sink.IncrCounterWithLabels(metrics.AnnounceInErrorCount, 1, []gometrics.Label{metrics.LabelError.M("malformed")})
		d.logger.Warn("malformed announcement dropped", logger.Error(err))
	}
}

// HandleAnnouncement applies one join or close document.
func (d *Directory) HandleAnnouncement(ctx context.Context, payload []byte) error {
	doc, err := codec.DecodeBytes(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedAnnouncement, err)
	}

	status := doc.String(FieldStatus)
	uuid := doc.String(FieldUUID)
	if uuid == "" {
		return fmt.Errorf("%w: missing %s", ErrMalformedAnnouncement, FieldUUID)
	}
	if uuid == d.cfg.SelfUUID {
		return nil
	}
	d.sink.IncrCounterWithLabels(metrics.AnnounceInCount, 1, []gometrics.Label{metrics.LabelStatus.M(status)})

	switch status {
	case StatusJoin:
		p := peerFromAnnouncement(doc)
		if p.Name == "" || p.Port <= 0 {
			return fmt.Errorf("%w: join without name or port", ErrMalformedAnnouncement)
		}
		d.join(ctx, p)
		return nil
	case StatusClose:
		if p, ok := d.removeByUUID(uuid); ok {
			d.logger.Info("peer closed", logger.String("peer", p.Name), logger.String("uuid", uuid))
			d.fire(ctx, d.onClose, p)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q from %s", ErrUnknownStatus, status, uuid)
	}
}

func (d *Directory) join(ctx context.Context, p Peer) {
	if p.Name == d.cfg.SelfName {
		return
	}

	d.mu.Lock()
	old, known := d.peers[p.Name]
	switch {
	case known && old.UUID == p.UUID:
		d.mu.Unlock()
		return
	case known && old.UUID == "":
		// first announcement of a peer found through the registry
		d.peers[p.Name] = p
		d.mu.Unlock()
		return
	}
	d.peers[p.Name] = p
	size := len(d.peers)
	d.mu.Unlock()

	d.sink.SetGauge(metrics.DirectoryPeers, float32(size))
	if known {
		d.logger.Info("peer replaced by a new instance",
			logger.String("peer", p.Name),
			logger.String("old_uuid", old.UUID),
			logger.String("uuid", p.UUID))
		d.fire(ctx, d.onClose, old)
	} else {
		d.logger.Info("peer joined",
			logger.String("peer", p.Name),
			logger.String("uuid", p.UUID),
			logger.Int("port", p.Port))
	}
	d.fire(ctx, d.onOpen, p)

	// one re-announce per newly inserted peer lets late joiners learn about us
	if d.reannounce != nil {
		d.reannounce(ctx)
	}
}

func (d *Directory) removeByUUID(uuid string) (Peer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, p := range d.peers {
		if p.UUID == uuid {
			delete(d.peers, name)
			d.sink.SetGauge(metrics.DirectoryPeers, float32(len(d.peers)))
			return p, true
		}
	}
	return Peer{}, false
}

// Poll diffs the registry against the previous poll.
func (d *Directory) Poll(ctx context.Context) error {
	if d.registry == nil {
		return nil
	}
	recs, err := d.registry.Services(ctx)
	if err != nil {
		d.sink.IncrCounter(metrics.DirectoryPollErrCount, 1)
		return fmt.Errorf("poll registry: %w", err)
	}

	current := make(map[string]struct{}, len(recs))
	var opened, closed []Peer

	d.mu.Lock()
	for _, rec := range recs {
		if rec.ID == d.cfg.SelfName {
			continue
		}
		current[rec.ID] = struct{}{}
		if _, seen := d.snapshot[rec.ID]; seen {
			continue
		}
		if _, known := d.peers[rec.Name]; known {
			continue
		}
		p := peerFromRecord(rec)
		d.peers[p.Name] = p
		opened = append(opened, p)
	}
	for id := range d.snapshot {
		if _, still := current[id]; still {
			continue
		}
		if p, known := d.peers[id]; known {
			delete(d.peers, id)
			closed = append(closed, p)
		}
	}
	d.snapshot = current
	size := len(d.peers)
	d.mu.Unlock()

	d.sink.SetGauge(metrics.DirectoryPeers, float32(size))
	for _, p := range closed {
		d.logger.Info("peer left registry", logger.String("peer", p.Name))
		d.fire(ctx, d.onClose, p)
	}
	for _, p := range opened {
		d.logger.Info("peer found in registry",
			logger.String("peer", p.Name),
			logger.String("address", p.Address),
			logger.Int("port", p.Port))
		d.fire(ctx, d.onOpen, p)
	}
	return nil
}

func (d *Directory) fire(ctx context.Context, cb Callback, p Peer) {
	if cb == nil || !p.HasTag(d.cfg.TagFilter) {
		return
	}
	cb(ctx, p.clone())
}

// Forget drops a peer without firing callbacks. The owning process uses it
// right after stopping that peer itself.
func (d *Directory) Forget(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.peers[name]; !ok {
		return false
	}
	delete(d.peers, name)
	d.sink.SetGauge(metrics.DirectoryPeers, float32(len(d.peers)))
	return true
}

func (d *Directory) Peer(name string) (Peer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.peers[name]
	if !ok {
		return Peer{}, false
	}
	return p.clone(), true
}

func (d *Directory) PeerByID(uuid string) (Peer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, p := range d.peers {
		if p.UUID == uuid {
			return p.clone(), true
		}
	}
	return Peer{}, false
}

// Peers returns every known peer sorted by name.
func (d *Directory) Peers() []Peer {
	d.mu.RLock()
	out := make([]Peer, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, p.clone())
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.peers)
}
