package eventbus

import (
	"context"

	"github.com/testflowhq/testflow/pkg/events"
)

// HookFunc observes an event before or after subscriber delivery.
type HookFunc func(ctx context.Context, event events.Event)

// Plugin exposes cross-cutting observers keyed by hook name:
// "pre:<type>", "post:<type>", or the wildcards "pre:*" / "post:*".
// Hook failures are isolated per plugin; one bad plugin cannot break
// delivery to subscribers or to other plugins.
type Plugin interface {
	Name() string
	Hooks() map[string]HookFunc
}

// RegisterPlugin appends a plugin. Hooks run in registration order.
func (b *Bus) RegisterPlugin(p Plugin) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.plugins = append(b.plugins, p)
}

// UnregisterPlugin removes a plugin by name.
func (b *Bus) UnregisterPlugin(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, p := range b.plugins {
		if p.Name() == name {
			b.plugins = append(b.plugins[:i], b.plugins[i+1:]...)

			return
		}
	}
}

func (b *Bus) runHooks(ctx context.Context, plugins []Plugin, phase string, event events.Event) {
	keys := [2]string{
		phase + ":" + string(event.Type),
		phase + ":" + string(events.Wildcard),
	}

	for _, p := range plugins {
		hooks := p.Hooks()
		for _, key := range keys {
			hook, ok := hooks[key]
			if !ok {
				continue
			}

			b.runHook(ctx, p.Name(), key, hook, event)
		}
	}
}

func (b *Bus) runHook(ctx context.Context, plugin, key string, hook HookFunc, event events.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("plugin hook panicked",
				"plugin", plugin,
				"hook", key,
				"event_type", event.Type,
				"panic", r,
			)
		}
	}()

	hook(ctx, event)
}
