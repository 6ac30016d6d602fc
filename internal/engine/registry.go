package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/petrijr/flough/pkg/api"
)

// flowDefinition is one registry entry.
type flowDefinition struct {
	flowType string
	opts     api.FlowOptions
	handler  api.HandlerFunc
	dynamic  api.DynamicPropertyFunc
}

// noSave reports whether field is attached to the live instance only.
func (d *flowDefinition) noSave(field string) bool {
	for _, f := range d.opts.NoSave {
		if f == field {
			return true
		}
	}
	return false
}

type flowRegistry struct {
	mu     sync.RWMutex
	byType map[string]*flowDefinition
}

func newFlowRegistry() *flowRegistry {
	return &flowRegistry{
		byType: make(map[string]*flowDefinition),
	}
}

func (r *flowRegistry) Register(def *flowDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byType[def.flowType]; exists {
		return fmt.Errorf("%w: %q", api.ErrAlreadyRegistered, def.flowType)
	}
	r.byType[def.flowType] = def
	return nil
}

func (r *flowRegistry) Unregister(flowType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byType, flowType)
}

func (r *flowRegistry) Get(flowType string) (*flowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.byType[flowType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", api.ErrUnknownFlowType, flowType)
	}
	return def, nil
}

func (r *flowRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byType))
	for t := range r.byType {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// mergeDynamic returns data plus the fields computed by dyn. Computed fields
// only fill in keys the caller did not supply.
func mergeDynamic(data map[string]any, dyn api.DynamicPropertyFunc) (map[string]any, error) {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	if dyn == nil {
		return out, nil
	}

	extra, err := dyn(out)
	if err != nil {
		return nil, fmt.Errorf("dynamic properties: %w", err)
	}
	for k, v := range extra {
		if _, exists := out[k]; !exists {
			out[k] = v
		}
	}
	return out, nil
}
