package bundle

import (
	"io"

	"github.com/rcowham/vcscore/apperr"
)

// Handler processes one decoded part during Apply.
type Handler func(p *Part) error

// Registry maps a part name to the handler that applies it. A part
// whose name has no registered handler aborts the whole bundle if the
// sender marked it Mandatory (len(p.Mandatory) > 0 by the bundle v2
// convention that a mandatory part carries at least one mandatory
// parameter acting as a flag, mirrored here as an explicit
// mandatoryNames set so a part can be mandatory with zero parameters).
type Registry struct {
	handlers       map[string]Handler
	mandatoryNames map[string]bool
}

// NewRegistry creates an empty part registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler), mandatoryNames: make(map[string]bool)}
}

// Register adds a handler for partName. mandatory controls whether an
// unbundle that can't find a later handler for this name (e.g. a
// downgraded peer) must abort rather than skip it.
func (r *Registry) Register(partName string, mandatory bool, h Handler) {
	r.handlers[partName] = h
	r.mandatoryNames[partName] = mandatory
}

// Apply reads every part from rd in turn, dispatching to the
// registered handler. An unrecognised part aborts the bundle if it is
// mandatory (per spec.md §4.10's forward-compatibility rule);
// otherwise it is skipped.
func Apply(rd *Reader, reg *Registry) error {
	for {
		part, err := rd.ReadPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		h, ok := reg.handlers[part.Name]
		if !ok || h == nil {
			if reg.mandatoryNames[part.Name] || len(part.Mandatory) > 0 {
				return apperr.NewIntegrityError("bundle: unsupported mandatory part "+part.Name, nil)
			}
			continue
		}
		if err := h(part); err != nil {
			return err
		}
	}
}

// StandardPartNames are the core part types spec.md §4.10 names.
const (
	PartChangegroup = "changegroup"
	PartObsmarkers  = "obsmarkers"
	PartPhaseHeads  = "phase-heads"
	PartBookmarks   = "bookmarks"
	PartPushkey     = "pushkey"
	PartCheckHeads  = "check:heads"
	PartError       = "error"
	PartReplyPrefix = "reply:"
)
