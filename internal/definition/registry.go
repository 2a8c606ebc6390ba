package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pitabwire/docket/model"
)

// snapshot is an immutable collection of published templates.
type snapshot struct {
	byID     map[string]model.WorkflowTemplate
	byKey    map[string][]model.WorkflowTemplate // ascending version
	checksum string
}

// Registry is a read-optimized, thread-safe view of the templates this
// instance published at startup. It uses atomic pointer swap for lock-free
// concurrent reads. Activation resolves templates through the store, which
// also sees templates toggled after startup.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates an empty Registry. It reports not loaded until the
// first Replace.
func NewRegistry() *Registry {
	return &Registry{}
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given templates.
func (r *Registry) Replace(tpls []model.WorkflowTemplate) {
	s := &snapshot{
		byID:  make(map[string]model.WorkflowTemplate, len(tpls)),
		byKey: make(map[string][]model.WorkflowTemplate),
	}

	var checksumParts []string

	for _, tpl := range tpls {
		s.byID[tpl.ID] = tpl
		s.byKey[tpl.Key] = append(s.byKey[tpl.Key], tpl)
		checksumParts = append(checksumParts, tpl.Checksum)
	}
	for _, versions := range s.byKey {
		sort.Slice(versions, func(i, j int) bool { return versions[i].Version < versions[j].Version })
	}

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	if s := r.snap.Load(); s != nil {
		return s
	}
	return &snapshot{}
}

// Loaded reports whether templates have been published into the registry.
func (r *Registry) Loaded() bool {
	return r.snap.Load() != nil
}

// Len returns the number of templates.
func (r *Registry) Len() int {
	return len(r.current().byID)
}

// All returns all templates ordered by key, then version.
func (r *Registry) All() []model.WorkflowTemplate {
	s := r.current()
	keys := make([]string, 0, len(s.byKey))
	for k := range s.byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tpls := make([]model.WorkflowTemplate, 0, len(s.byID))
	for _, k := range keys {
		tpls = append(tpls, s.byKey[k]...)
	}
	return tpls
}

// Checksum returns the combined checksum of all loaded templates.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
