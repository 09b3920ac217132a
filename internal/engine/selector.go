package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/leftsky/left-tools-service-sub000/internal/models"
)

// Selector picks the first adapter, in fixed priority order, that supports a
// format pair. It has no side effects.
type Selector struct {
	adapters []Adapter
	// remoteDisabled explains why no remote fallback is configured.
	remoteDisabled string
}

// NewSelector creates a selector that evaluates adapters in the given order.
// Callers pass local adapters first and the remote fallback, if any, last.
func NewSelector(adapters ...Adapter) *Selector {
	return &Selector{adapters: adapters}
}

// WithRemoteDisabled records that the remote fallback is off and why.
func (s *Selector) WithRemoteDisabled(reason string) *Selector {
	s.remoteDisabled = reason
	return s
}

// Select returns the highest-priority adapter supporting in -> out.
// When none matches, the error is an *models.EncoderUnavailableError, preferring
// an adapter's own diagnosis over a generic message.
func (s *Selector) Select(inputFormat, outputFormat string) (Adapter, error) {
	in := models.NormalizeFormat(inputFormat)
	out := models.NormalizeFormat(outputFormat)

	for _, a := range s.adapters {
		if a.SupportsConversion(in, out) {
			return a, nil
		}
	}

	for _, a := range s.adapters {
		d, ok := a.(Diagnoser)
		if !ok {
			continue
		}
		if err := d.Diagnose(in, out); err != nil {
			var unavailable *models.EncoderUnavailableError
			if errors.As(err, &unavailable) {
				return nil, err
			}
			return nil, &models.EncoderUnavailableError{Format: out, Reason: err.Error()}
		}
	}

	reason := fmt.Sprintf("no engine supports %s to %s", in, out)
	if s.remoteDisabled != "" {
		reason += " (" + s.remoteDisabled + ")"
	}
	return nil, &models.EncoderUnavailableError{Format: out, Reason: reason}
}

// Lookup returns the adapter with the given name.
func (s *Selector) Lookup(name string) (Adapter, bool) {
	for _, a := range s.adapters {
		if strings.EqualFold(a.Name(), name) {
			return a, true
		}
	}
	return nil, false
}

// Adapters returns the adapters in priority order.
func (s *Selector) Adapters() []Adapter {
	return append([]Adapter(nil), s.adapters...)
}

// Engines describes every adapter in priority order.
func (s *Selector) Engines() []Info {
	infos := make([]Info, 0, len(s.adapters))
	for _, a := range s.adapters {
		info := Info{
			Name:         a.Name(),
			Kind:         a.Kind(),
			Available:    true,
			MaxInputSize: a.MaxInputSize(),
			Timeout:      a.Timeout(),
		}
		if d, ok := a.(Describer); ok {
			info = d.Describe()
		}
		infos = append(infos, info)
	}
	return infos
}

// RemoteEnabled reports whether a remote adapter is configured.
func (s *Selector) RemoteEnabled() bool {
	for _, a := range s.adapters {
		if a.Kind() == KindRemote {
			return true
		}
	}
	return false
}
