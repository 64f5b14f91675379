// Package gocommand registers the purchases command and query handlers with
// go-command and its dispatcher.
package gocommand

import (
	"context"
	"strings"

	"github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
	purchases "github.com/goliatone/go-purchases"
	"github.com/goliatone/go-purchases/core"
)

// ValidateMessageContract enforces Type() plus the optional Validate().
func ValidateMessageContract(msg any) error {
	if err := command.ValidateMessage(msg); err != nil {
		return err
	}
	m, ok := msg.(command.Message)
	if !ok {
		return core.NewBadInputError("gocommand: message must implement Type() string", nil)
	}
	if strings.TrimSpace(m.Type()) == "" {
		return core.NewBadInputError("gocommand: message type is required", nil)
	}
	return nil
}

func errRegistryNotConfigured() error {
	return core.NewInternalError(nil, "gocommand: registry is not configured")
}

type RegistryAdapter struct {
	registry *command.Registry
}

func NewRegistryAdapter(registry *command.Registry) *RegistryAdapter {
	if registry == nil {
		registry = command.NewRegistry()
	}
	return &RegistryAdapter{registry: registry}
}

func (a *RegistryAdapter) Registry() *command.Registry {
	if a == nil {
		return nil
	}
	return a.registry
}

func (a *RegistryAdapter) RegisterCommand(cmd any) error {
	if a == nil || a.registry == nil {
		return errRegistryNotConfigured()
	}
	return a.registry.RegisterCommand(cmd)
}

// RegisterQuery records a query handler. go-command keeps commands and
// queries in one registry.
func (a *RegistryAdapter) RegisterQuery(qry any) error {
	if a == nil || a.registry == nil {
		return errRegistryNotConfigured()
	}
	return a.registry.RegisterCommand(qry)
}

func (a *RegistryAdapter) AddResolver(key string, resolver command.Resolver) error {
	if a == nil || a.registry == nil {
		return errRegistryNotConfigured()
	}
	return a.registry.AddResolver(strings.TrimSpace(key), resolver)
}

// AddQueueResolver mirrors registered handlers into a go-job queue registry
// so they can also run as background jobs.
func (a *RegistryAdapter) AddQueueResolver(key string, queueRegistry *jobqueuecommand.Registry) error {
	if queueRegistry == nil {
		return core.NewBadInputError("gocommand: queue registry is required", nil)
	}
	return a.AddResolver(key, jobqueuecommand.QueueResolver(queueRegistry))
}

func (a *RegistryAdapter) HasResolver(key string) bool {
	if a == nil || a.registry == nil {
		return false
	}
	return a.registry.HasResolver(strings.TrimSpace(key))
}

func (a *RegistryAdapter) Initialize() error {
	if a == nil || a.registry == nil {
		return errRegistryNotConfigured()
	}
	return a.registry.Initialize()
}

func SubscribeCommand[T any](cmd command.Commander[T], runnerOpts ...runner.Option) commanddispatcher.Subscription {
	return commanddispatcher.SubscribeCommand(cmd, runnerOpts...)
}

func SubscribeQuery[T any, R any](qry command.Querier[T, R], runnerOpts ...runner.Option) commanddispatcher.Subscription {
	return commanddispatcher.SubscribeQuery(qry, runnerOpts...)
}

func Dispatch[T any](ctx context.Context, msg T) error {
	return commanddispatcher.Dispatch(ctx, msg)
}

func Query[T any, R any](ctx context.Context, msg T) (R, error) {
	return commanddispatcher.Query[T, R](ctx, msg)
}

func RegisterAndSubscribe[T any](
	adapter *RegistryAdapter,
	cmd command.Commander[T],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if adapter == nil || adapter.registry == nil {
		return nil, errRegistryNotConfigured()
	}
	if cmd == nil {
		return nil, core.NewBadInputError("gocommand: command is required", nil)
	}
	subscription := SubscribeCommand(cmd, runnerOpts...)
	if err := adapter.RegisterCommand(cmd); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, err
	}
	return subscription, nil
}

func RegisterAndSubscribeQuery[T any, R any](
	adapter *RegistryAdapter,
	qry command.Querier[T, R],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if adapter == nil || adapter.registry == nil {
		return nil, errRegistryNotConfigured()
	}
	if qry == nil {
		return nil, core.NewBadInputError("gocommand: query is required", nil)
	}
	subscription := SubscribeQuery(qry, runnerOpts...)
	if err := adapter.RegisterQuery(qry); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, err
	}
	return subscription, nil
}

// Subscriptions is the set of dispatcher subscriptions created by
// RegisterFacade.
type Subscriptions []commanddispatcher.Subscription

// Unsubscribe detaches every handler from the dispatcher.
func (s Subscriptions) Unsubscribe() {
	for _, subscription := range s {
		if subscription != nil {
			subscription.Unsubscribe()
		}
	}
}

// RegisterFacade registers and subscribes every purchases command and query.
// On failure the handlers already subscribed are detached again.
func RegisterFacade(adapter *RegistryAdapter, facade *purchases.Facade, runnerOpts ...runner.Option) (Subscriptions, error) {
	if facade == nil {
		return nil, core.NewBadInputError("gocommand: facade is required", nil)
	}
	commands := facade.Commands()
	queries := facade.Queries()

	steps := []func() (commanddispatcher.Subscription, error){
		func() (commanddispatcher.Subscription, error) {
			return RegisterAndSubscribe(adapter, commands.RefreshCatalog, runnerOpts...)
		},
		func() (commanddispatcher.Subscription, error) {
			return RegisterAndSubscribe(adapter, commands.Purchase, runnerOpts...)
		},
		func() (commanddispatcher.Subscription, error) {
			return RegisterAndSubscribe(adapter, commands.RefreshPurchases, runnerOpts...)
		},
		func() (commanddispatcher.Subscription, error) {
			return RegisterAndSubscribe(adapter, commands.SubmitPurchases, runnerOpts...)
		},
		func() (commanddispatcher.Subscription, error) {
			return RegisterAndSubscribe(adapter, commands.Reconfigure, runnerOpts...)
		},
		func() (commanddispatcher.Subscription, error) {
			return RegisterAndSubscribeQuery(adapter, queries.GetCatalog, runnerOpts...)
		},
		func() (commanddispatcher.Subscription, error) {
			return RegisterAndSubscribeQuery(adapter, queries.ListEntitlements, runnerOpts...)
		},
		func() (commanddispatcher.Subscription, error) {
			return RegisterAndSubscribeQuery(adapter, queries.GetEntitlement, runnerOpts...)
		},
		func() (commanddispatcher.Subscription, error) {
			return RegisterAndSubscribeQuery(adapter, queries.ListActiveEntitlements, runnerOpts...)
		},
	}
	subs := make(Subscriptions, 0, len(steps))
	for _, step := range steps {
		subscription, err := step()
		if err != nil {
			subs.Unsubscribe()
			return nil, err
		}
		subs = append(subs, subscription)
	}
	return subs, nil
}
