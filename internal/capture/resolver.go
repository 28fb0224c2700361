package capture

import "fmt"

// Resolver turns a Target into an Item through a backend. Resolving a window
// latches window mode; resolving a monitor clears it. A failed resolution
// leaves the mode unchanged.
type Resolver struct {
	backend    Backend
	windowMode bool
}

func NewResolver(b Backend) *Resolver {
	return &Resolver{backend: b}
}

func (r *Resolver) Resolve(dev Device, t Target) (Item, error) {
	var (
		item Item
		err  error
	)
	switch t.Kind {
	case TargetMonitor:
		item, err = r.backend.ResolveMonitor(dev, t.Index)
	case TargetWindow:
		if t.Handle == 0 {
			return Item{}, fmt.Errorf("%w: nil window handle", ErrTargetNotFound)
		}
		item, err = r.backend.ResolveWindow(dev, t.Handle)
	default:
		return Item{}, fmt.Errorf("%w: unsupported target kind %d", ErrTargetNotFound, t.Kind)
	}
	if err != nil {
		return Item{}, err
	}
	if item.Width <= 0 || item.Height <= 0 {
		return Item{}, fmt.Errorf("%w: %s has empty size %dx%d", ErrTargetNotFound, t, item.Width, item.Height)
	}
	r.windowMode = t.Kind == TargetWindow
	return item, nil
}

// WindowMode reports whether the last successful resolution was a window.
func (r *Resolver) WindowMode() bool {
	return r.windowMode
}
