package fleet

import (
	"fmt"
	"strings"
)

// Overflow decides what happens to a placement when every node of a
// template is full.
type Overflow string

const (
	OverflowAllow  Overflow = "allow"
	OverflowKick   Overflow = "kick"
	OverflowWait   Overflow = "wait"
	OverflowCancel Overflow = "cancel"
)

// ParseOverflow accepts the policy names case-insensitively. Empty means allow.
func ParseOverflow(s string) (Overflow, error) {
	switch o := Overflow(strings.ToLower(strings.TrimSpace(s))); o {
	case "":
		return OverflowAllow, nil
	case OverflowAllow, OverflowKick, OverflowWait, OverflowCancel:
		return o, nil
	default:
		return "", fmt.Errorf("unknown overflow behavior %q", s)
	}
}

// Descriptor is the load-time configuration of one template.
type Descriptor struct {
	Name                 string   `yaml:"name" json:"name"`
	MaxPlayers           int      `yaml:"max_players" json:"max_players"`
	NewNodeAtPlayerCount int      `yaml:"new_node_at_player_count" json:"new_node_at_player_count"`
	OverflowBehavior     Overflow `yaml:"overflow_behavior" json:"overflow_behavior"`
	ShutdownNoPlayers    bool     `yaml:"shutdown_no_players" json:"shutdown_no_players"`
	MaxPlayersMerge      int      `yaml:"max_players_merge" json:"max_players_merge"`
	MinNodes             int      `yaml:"min_nodes" json:"min_nodes"`
	MaxNodes             int      `yaml:"max_nodes" json:"max_nodes"`
	DefaultTemplate      bool     `yaml:"default_template" json:"default_template"`

	// Dir is the template's source directory, resolved by the loader.
	Dir string `yaml:"-" json:"-"`
}

// DefaultDescriptor holds the values used for fields a document leaves out.
func DefaultDescriptor() Descriptor {
	return Descriptor{
		MaxPlayers:       20,
		OverflowBehavior: OverflowAllow,
		MaxNodes:         100,
	}
}

// Validate normalizes the overflow policy and rejects inconsistent bounds.
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("template without name")
	}
	o, err := ParseOverflow(string(d.OverflowBehavior))
	if err != nil {
		return fmt.Errorf("template %s: %w", d.Name, err)
	}
	d.OverflowBehavior = o

	switch {
	case d.MaxPlayers < 0, d.NewNodeAtPlayerCount < 0, d.MaxPlayersMerge < 0, d.MinNodes < 0:
		return fmt.Errorf("template %s: negative limit", d.Name)
	case d.MaxNodes < d.MinNodes:
		return fmt.Errorf("template %s: max_nodes %d below min_nodes %d", d.Name, d.MaxNodes, d.MinNodes)
	}
	return nil
}
