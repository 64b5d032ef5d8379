package catalog

import (
	"fmt"
	"sync"
)

// Overlay is a scoped view over a base MetaStore. Writes land in a small
// shadow map and never reach the base; shadowed names hide the base entry.
// A nil base gives a catalog that only contains what is put into it.
type Overlay struct {
	base MetaStore

	mtx    sync.RWMutex
	shadow map[string]*DataSource
}

// NewOverlay returns an overlay on top of base, which may be nil.
func NewOverlay(base MetaStore) *Overlay {
	return &Overlay{base: base, shadow: make(map[string]*DataSource)}
}

// Only returns an overlay with no base containing just ds.
func Only(ds *DataSource) *Overlay {
	o := NewOverlay(nil)
	o.shadow[normalize(ds.Name)] = ds
	return o
}

func (o *Overlay) GetSource(name string) *DataSource {
	o.mtx.RLock()
	ds, ok := o.shadow[normalize(name)]
	o.mtx.RUnlock()
	if ok {
		return ds
	}
	if o.base == nil {
		return nil
	}
	return o.base.GetSource(name)
}

func (o *Overlay) AllSources() []*DataSource {
	merged := make(map[string]*DataSource)
	if o.base != nil {
		for _, ds := range o.base.AllSources() {
			merged[normalize(ds.Name)] = ds
		}
	}
	o.mtx.RLock()
	for k, ds := range o.shadow {
		merged[k] = ds
	}
	o.mtx.RUnlock()
	return sorted(merged)
}

func (o *Overlay) PutSource(ds *DataSource, replace bool) error {
	if !replace && o.GetSource(ds.Name) != nil {
		return fmt.Errorf("%w: %s", ErrSourceExists, ds.Name)
	}
	o.mtx.Lock()
	defer o.mtx.Unlock()
	o.shadow[normalize(ds.Name)] = ds
	return nil
}

// DeleteSource removes a shadowed source. Base entries cannot be deleted
// through an overlay.
func (o *Overlay) DeleteSource(name string) error {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	key := normalize(name)
	if _, ok := o.shadow[key]; !ok {
		return fmt.Errorf("%w: %s", ErrSourceNotFound, name)
	}
	delete(o.shadow, key)
	return nil
}
