// Package plugin declares what a plugin looks like to the host: a manifest of
// entries, an adapter that can start one, and the context an entry uses to
// report back.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"runline/internal/domain"
)

var (
	// ErrUnknownPlugin is returned when no manifest carries the plugin id.
	ErrUnknownPlugin = errors.New("unknown plugin")
	// ErrUnknownEntry is returned when the plugin has no such entry.
	ErrUnknownEntry = errors.New("unknown entry")
	// ErrCancelRequested is the sentinel an entry returns to acknowledge a
	// cooperative cancel. The host commits the run as canceled, not failed.
	ErrCancelRequested = errors.New("cancel requested")
)

// Entry describes one invocable operation of a plugin.
type Entry struct {
	EntryID string `yaml:"entry_id" json:"entry_id"`
	// ArgsSchema is an optional JSON Schema validated against run args
	// before the adapter is invoked.
	ArgsSchema map[string]any `yaml:"args_schema,omitempty" json:"args_schema,omitempty"`
	// TimeoutS overrides the host default run timeout when > 0.
	TimeoutS int `yaml:"timeout_s,omitempty" json:"timeout_s,omitempty"`
}

// Manifest is a plugin's registration: identity plus its entries.
type Manifest struct {
	PluginID string  `yaml:"plugin_id" json:"plugin_id"`
	Entries  []Entry `yaml:"entries" json:"entries"`
}

func (m Manifest) entry(entryID string) (Entry, bool) {
	for _, e := range m.Entries {
		if e.EntryID == entryID {
			return e, true
		}
	}
	return Entry{}, false
}

// StartRequest carries everything an adapter needs to launch an entry.
type StartRequest struct {
	RunID    string
	PluginID string
	EntryID  string
	Args     map[string]any
	// Ctx is the per-run context the entry observes for progress, status
	// and export emission.
	Ctx RunContext
}

// Outcome is the single final word of an execution.
type Outcome struct {
	Err error
	// Result is an optional payload recorded on success.
	Result map[string]any
	// ResultRefs name export items that constitute the run's result.
	ResultRefs []string
}

// Handle tracks one started execution. Done delivers exactly one Outcome and
// is then closed.
type Handle interface {
	Done() <-chan Outcome
}

// Adapter launches plugin entries. Start returns once the execution is
// launched; completion arrives on the handle.
type Adapter interface {
	Start(ctx context.Context, req StartRequest) (Handle, error)
}

// RunContext is the host-provided surface an entry reports through. All
// methods are safe for concurrent use.
type RunContext interface {
	RunID() string
	Args() map[string]any

	// Progress reports fractional completion in [0,1].
	Progress(p float64)
	// Status sets the human-readable stage and message.
	Status(stage, message string)
	// Step reports discrete progress, step out of total.
	Step(step, total int)
	ETA(d time.Duration)
	Metric(name string, value float64)

	// ExportText appends an inline text item and returns its id.
	ExportText(kind, text string, meta map[string]any) (string, error)
	// ExportURL appends an item referencing an external URL.
	ExportURL(kind, url string, meta map[string]any) (string, error)
	// ExportBinaryURL appends an item referencing binary content by URL.
	ExportBinaryURL(kind, url string, meta map[string]any) (string, error)
	// ExportBinary stores small payloads inline, larger ones in the blob
	// store, and returns the item id.
	ExportBinary(kind string, data []byte, meta map[string]any) (string, error)

	// Cancelled reports whether a cooperative cancel is pending. Entries
	// should return ErrCancelRequested promptly when it does.
	Cancelled() bool
	// Context is done when the host gives up on the run (cancel grace
	// elapsed or timeout). Work must stop then.
	Context() context.Context
}

// Registry holds plugin manifests keyed by plugin id. Resolve validates a
// (plugin, entry, args) triple before any adapter work happens.
type Registry struct {
	mu        sync.RWMutex
	manifests map[string]Manifest
	schemas   map[string]*gojsonschema.Schema // "plugin/entry"
}

func NewRegistry() *Registry {
	return &Registry{
		manifests: make(map[string]Manifest),
		schemas:   make(map[string]*gojsonschema.Schema),
	}
}

// Register adds or replaces a manifest. Entry schemas are compiled eagerly so
// a malformed schema fails the plugin, not its first run.
func (r *Registry) Register(m Manifest) error {
	if m.PluginID == "" {
		return fmt.Errorf("manifest missing plugin_id")
	}
	if len(m.Entries) == 0 {
		return fmt.Errorf("plugin %s declares no entries", m.PluginID)
	}
	compiled := make(map[string]*gojsonschema.Schema)
	for _, e := range m.Entries {
		if e.EntryID == "" {
			return fmt.Errorf("plugin %s has an entry without entry_id", m.PluginID)
		}
		if e.ArgsSchema == nil {
			continue
		}
		s, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(e.ArgsSchema))
		if err != nil {
			return fmt.Errorf("plugin %s entry %s: compile args schema: %w", m.PluginID, e.EntryID, err)
		}
		compiled[m.PluginID+"/"+e.EntryID] = s
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.manifests[m.PluginID] = m
	for k := range r.schemas {
		if len(k) > len(m.PluginID) && k[:len(m.PluginID)+1] == m.PluginID+"/" {
			delete(r.schemas, k)
		}
	}
	for k, s := range compiled {
		r.schemas[k] = s
	}
	return nil
}

// Manifests returns all registered manifests sorted by plugin id.
func (r *Registry) Manifests() []Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Manifest, 0, len(r.manifests))
	for _, m := range r.manifests {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PluginID < out[j].PluginID })
	return out
}

// Resolve looks up an entry and validates args against its schema. Failures
// come back as VALIDATION_ERROR run errors.
func (r *Registry) Resolve(pluginID, entryID string, args map[string]any) (Entry, error) {
	r.mu.RLock()
	m, ok := r.manifests[pluginID]
	var schema *gojsonschema.Schema
	if ok {
		schema = r.schemas[pluginID+"/"+entryID]
	}
	r.mu.RUnlock()
	if !ok {
		return Entry{}, &domain.RunError{Code: domain.CodeValidation, Message: fmt.Sprintf("unknown plugin %q", pluginID)}
	}
	e, ok := m.entry(entryID)
	if !ok {
		return Entry{}, &domain.RunError{Code: domain.CodeValidation, Message: fmt.Sprintf("plugin %q has no entry %q", pluginID, entryID)}
	}
	if schema != nil {
		if args == nil {
			args = map[string]any{}
		}
		res, err := schema.Validate(gojsonschema.NewGoLoader(args))
		if err != nil {
			return Entry{}, &domain.RunError{Code: domain.CodeValidation, Message: "args validation failed: " + err.Error()}
		}
		if !res.Valid() {
			details := make(map[string]any, len(res.Errors()))
			for _, verr := range res.Errors() {
				details[verr.Field()] = verr.Description()
			}
			return Entry{}, &domain.RunError{Code: domain.CodeValidation, Message: "args do not match entry schema", Details: details}
		}
	}
	return e, nil
}

// Timeout returns the effective run timeout for an entry given the host
// default.
func (e Entry) Timeout(def time.Duration) time.Duration {
	if e.TimeoutS > 0 {
		return time.Duration(e.TimeoutS) * time.Second
	}
	return def
}
