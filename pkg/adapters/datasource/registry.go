package datasource

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ekaya-inc/ekaya-ingest/pkg/apperrors"
)

// SourceInfo describes a registered source type for UI discovery.
type SourceInfo struct {
	Type        string `json:"type"`         // "RelationalSource"
	DisplayName string `json:"display_name"` // "Microsoft SQL Server"
	Description string `json:"description"`
	Icon        string `json:"icon"`
}

// SourceRegistration pairs discovery info with the adapter implementation.
type SourceRegistration struct {
	Info   SourceInfo
	Source Source
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]SourceRegistration)
)

// Register is called by each adapter's init() function.
// Thread-safe for concurrent init() calls.
func Register(reg SourceRegistration) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[reg.Info.Type] = reg
}

// RegisteredSources returns info for all registered sources, sorted by type.
func RegisteredSources() []SourceInfo {
	registryMu.RLock()
	defer registryMu.RUnlock()

	result := make([]SourceInfo, 0, len(registry))
	for _, reg := range registry {
		result = append(result, reg.Info)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Type < result[j].Type })
	return result
}

// Get returns the adapter for a source type.
// Returns apperrors.ErrUnknownSourceType if the type is not registered.
func Get(sourceType string) (Source, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	if reg, ok := registry[sourceType]; ok {
		return reg.Source, nil
	}
	return nil, fmt.Errorf("%w: %q", apperrors.ErrUnknownSourceType, sourceType)
}

// IsRegistered checks if a source type is available.
func IsRegistered(sourceType string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[sourceType]
	return ok
}
