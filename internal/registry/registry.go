// Package registry is the shared service registry: every service process
// registers a record with a health-check target, and directories poll the
// record list to discover peers.
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/MrSnakeDoc/fleetmesh/internal/utils"
)

var ErrNotFound = errors.New("registry: service not found")

// Check is the health-check target of a record.
type Check struct {
	URL             string        `json:"url"`
	Interval        time.Duration `json:"interval"`
	Timeout         time.Duration `json:"timeout"`
	DeregisterAfter time.Duration `json:"deregister_after"`
}

// Record is one registered service process. ID and Name are both the
// process name.
type Record struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Address      string    `json:"address"`
	Port         int       `json:"port"`
	Tags         []string  `json:"tags,omitempty"`
	Check        Check     `json:"check"`
	RegisteredAt time.Time `json:"registered_at"`
}

// HasTag reports whether the record carries tag. An empty tag matches every record.
func (r Record) HasTag(tag string) bool {
	return tag == "" || slices.Contains(r.Tags, tag)
}

// NewRecord builds the record of a process serving on address:port, with its
// check pointed at the liveness endpoint.
func NewRecord(name, address string, port int, tags []string, check Check) Record {
	check.URL = fmt.Sprintf("http://%s/", utils.HostPort(address, port))
	return Record{
		ID:      name,
		Name:    name,
		Address: address,
		Port:    port,
		Tags:    slices.Clone(tags),
		Check:   check,
	}
}

// Registry is implemented by the Redis and in-memory backends.
type Registry interface {
	// Register creates or refreshes a record.
	Register(ctx context.Context, rec Record) error
	Deregister(ctx context.Context, id string) error
	// Services lists the live records sorted by ID.
	Services(ctx context.Context) ([]Record, error)
	Get(ctx context.Context, id string) (Record, error)
	Close() error
}

func sortRecords(recs []Record) {
	slices.SortStableFunc(recs, func(a, b Record) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})
}
