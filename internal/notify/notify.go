// Package notify fans human-facing notifications out to providers.
// Delivery mechanisms (desktop, chat) plug in as providers; the daemon
// registers only the log provider.
package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/oddjobs/oddjobs/internal/common/logger"
	"github.com/oddjobs/oddjobs/internal/event"
)

// Message is one notification.
type Message struct {
	Title string
	Body  string
	Owner event.Owner
}

// Provider delivers notifications through one channel.
type Provider interface {
	Available() bool
	Send(ctx context.Context, message Message) error
}

// Notifier fans messages out to every available provider.
type Notifier struct {
	providers []Provider
	logger    *logger.Logger
}

// New creates a notifier over the given providers.
func New(log *logger.Logger, providers ...Provider) *Notifier {
	return &Notifier{
		providers: providers,
		logger:    log.WithComponent("notifier"),
	}
}

// Send delivers the message best-effort; provider errors only warn.
func (n *Notifier) Send(ctx context.Context, message Message) {
	for _, p := range n.providers {
		if !p.Available() {
			continue
		}
		if err := p.Send(ctx, message); err != nil {
			n.logger.Warn("notification delivery failed",
				zap.String("title", message.Title),
				zap.Error(err))
		}
	}
}

// LogProvider writes notifications into the daemon log. Always
// available; keeps escalations observable with no delivery channel
// configured.
type LogProvider struct {
	logger *logger.Logger
}

// NewLogProvider creates the log provider.
func NewLogProvider(log *logger.Logger) *LogProvider {
	return &LogProvider{logger: log.WithComponent("notify")}
}

// Available always reports true.
func (p *LogProvider) Available() bool { return true }

// Send logs the notification.
func (p *LogProvider) Send(_ context.Context, message Message) error {
	p.logger.Info("notification",
		zap.String("title", message.Title),
		zap.String("body", message.Body),
		zap.String("owner", message.Owner.String()))
	return nil
}

// FuncProvider adapts a function into a Provider. The daemon does not
// register one.
type FuncProvider struct {
	Fn func(ctx context.Context, message Message) error
}

// Available reports whether the function is set.
func (p *FuncProvider) Available() bool { return p.Fn != nil }

// Send invokes the function.
func (p *FuncProvider) Send(ctx context.Context, message Message) error {
	return p.Fn(ctx, message)
}
