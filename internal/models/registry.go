package models

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LoadFailure 로드 실패한 아티팩트 (해당 모델만 비활성)
type LoadFailure struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// snapshot 한 번의 로드 결과 (불변)
type snapshot struct {
	adapters []Adapter
	failures []LoadFailure
	loadedAt time.Time
}

// Registry 모델 레지스트리
// ⭐ SSOT: 프로세스 시작 시 한 번 생성되어 파이프라인에 포인터로 전달
// 재로드는 Reload()로만, 실행과 실행 사이에 스냅샷을 통째로 교체
type Registry struct {
	dir string
	log zerolog.Logger

	mu   sync.RWMutex
	snap *snapshot
}

// LoadRegistry loads every *.yaml / *.yml artifact in dir.
// A missing or corrupt file is recorded as a failure and skipped.
func LoadRegistry(dir string, log zerolog.Logger) *Registry {
	r := &Registry{
		dir: dir,
		log: log.With().Str("component", "models.registry").Logger(),
	}
	r.snap = r.load()
	return r
}

// NewRegistry wraps already-built adapters; Reload is a no-op
func NewRegistry(adapters ...Adapter) *Registry {
	list := make([]Adapter, len(adapters))
	copy(list, adapters)
	sort.Slice(list, func(i, j int) bool { return list[i].Name() < list[j].Name() })

	return &Registry{
		log:  zerolog.Nop(),
		snap: &snapshot{adapters: list, loadedAt: time.Now()},
	}
}

// Adapters returns the current adapters sorted by name
func (r *Registry) Adapters() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Adapter, len(r.snap.adapters))
	copy(out, r.snap.adapters)
	return out
}

// Failures returns artifacts that failed to load
func (r *Registry) Failures() []LoadFailure {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]LoadFailure, len(r.snap.failures))
	copy(out, r.snap.failures)
	return out
}

// LoadedAt returns when the current snapshot was built
func (r *Registry) LoadedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap.loadedAt
}

// Reload rebuilds the snapshot from disk and swaps it in.
// Callers must not reload while an issuance is running.
func (r *Registry) Reload() {
	if r.dir == "" {
		return
	}
	next := r.load()

	r.mu.Lock()
	r.snap = next
	r.mu.Unlock()
}

func (r *Registry) load() *snapshot {
	snap := &snapshot{loadedAt: time.Now()}

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		r.log.Error().Err(err).Str("dir", r.dir).Msg("model directory unreadable")
		snap.failures = append(snap.failures, LoadFailure{Path: r.dir, Error: err.Error()})
		return snap
	}

	seen := make(map[string]string)
	for _, entry := range entries {
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())

		adapter, enabled, err := buildFromFile(path)
		if err == nil && enabled {
			if prev, dup := seen[adapter.Name()]; dup {
				err = fmt.Errorf("duplicate model name %q (already loaded from %s)", adapter.Name(), prev)
			}
		}
		if err != nil {
			r.log.Warn().Err(err).Str("path", path).Msg("model artifact disabled")
			snap.failures = append(snap.failures, LoadFailure{Path: path, Error: err.Error()})
			continue
		}
		if !enabled {
			r.log.Info().Str("path", path).Msg("model artifact switched off")
			continue
		}

		seen[adapter.Name()] = path
		snap.adapters = append(snap.adapters, adapter)

		r.log.Info().
			Str("model", adapter.Name()).
			Str("kind", string(adapter.Kind())).
			Str("version", adapter.Version()).
			Msg("model loaded")
	}

	sort.Slice(snap.adapters, func(i, j int) bool {
		return snap.adapters[i].Name() < snap.adapters[j].Name()
	})

	r.log.Info().
		Int("models", len(snap.adapters)).
		Int("failures", len(snap.failures)).
		Msg("model registry loaded")

	return snap
}

func buildFromFile(path string) (Adapter, bool, error) {
	artifact, err := LoadArtifact(path)
	if err != nil {
		return nil, false, err
	}
	if !*artifact.Enabled {
		return nil, false, nil
	}
	adapter, err := artifact.Build()
	if err != nil {
		return nil, false, err
	}
	return adapter, true, nil
}
