package membership

import (
	"slices"

	"github.com/MrSnakeDoc/fleetmesh/internal/codec"
	"github.com/MrSnakeDoc/fleetmesh/internal/registry"
)

// Peer is one remote service process known to the directory.
type Peer struct {
	Name      string
	UUID      string // empty until the peer announced itself
	Address   string
	Port      int
	Endpoints []string
	Tags      []string
	Info      codec.Document // last announced info document, if any
}

func (p Peer) HasTag(tag string) bool {
	return tag == "" || slices.Contains(p.Tags, tag)
}

func (p Peer) clone() Peer {
	p.Endpoints = slices.Clone(p.Endpoints)
	p.Tags = slices.Clone(p.Tags)
	if p.Info != nil {
		p.Info = p.Info.Clone()
	}
	return p
}

func peerFromRecord(rec registry.Record) Peer {
	return Peer{
		Name:    rec.Name,
		Address: rec.Address,
		Port:    rec.Port,
		Tags:    slices.Clone(rec.Tags),
	}
}

// peerFromAnnouncement reads the identity fields of a join document.
func peerFromAnnouncement(doc codec.Document) Peer {
	info := doc.Clone()
	delete(info, FieldStatus)
	port, _ := doc.Int(FieldPort)
	return Peer{
		Name:      doc.String(FieldName),
		UUID:      doc.String(FieldUUID),
		Address:   doc.String(FieldAddress),
		Port:      port,
		Endpoints: doc.Strings(FieldEndpoints),
		Tags:      doc.Strings(FieldTags),
		Info:      info,
	}
}
