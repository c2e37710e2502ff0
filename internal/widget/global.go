package widget

import (
	"context"
	"errors"
	"sync"
)

var (
	globalMu sync.Mutex
	global   *Widget
)

// Init builds and initializes the package-level widget for embedders
// that want a single instance. A previous instance is destroyed first.
func Init(ctx context.Context, cfg Config, st SessionStore, api API, ch Channel, opts ...Option) (*Widget, error) {
	if cfg.ProjectKey == "" {
		return nil, errors.New("widget: project key is required")
	}
	if st == nil || api == nil || ch == nil {
		return nil, errors.New("widget: store, api and channel are required")
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if global != nil {
		global.Destroy()
		global = nil
	}
	w := New(cfg, st, api, ch, opts...)
	if err := w.Init(ctx); err != nil {
		return nil, err
	}
	global = w
	return w, nil
}

func Current() *Widget {
	globalMu.Lock()
	defer globalMu.Unlock()
	return global
}

func Open() {
	if w := Current(); w != nil {
		w.Open()
	}
}

func Close() {
	if w := Current(); w != nil {
		w.Close()
	}
}

func Destroy() {
	globalMu.Lock()
	w := global
	global = nil
	globalMu.Unlock()
	if w != nil {
		w.Destroy()
	}
}
