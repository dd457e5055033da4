package servicebus

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus/admin"

	"github.com/Biometria-se/grizzly-sub007/internal/integration"
	"github.com/Biometria-se/grizzly-sub007/internal/pkg/logger"
	"github.com/Biometria-se/grizzly-sub007/internal/protocol"
)

// defaultRuleName is the catch-all rule the broker installs on every
// new subscription; it must go before our filter can take effect.
const defaultRuleName = "$Default"

// subscriptionArgs validates the endpoint of SUBSCRIBE/UNSUBSCRIBE.
func subscriptionArgs(req *protocol.Request) (topic, subscription string, err error) {
	args, err := endpointArgs(req)
	if err != nil {
		return "", "", err
	}

	topic = args["topic"]
	subscription = args["subscription"]
	if topic == "" || subscription == "" {
		return "", "", integration.Errorf("both topic and subscription are required")
	}

	return topic, subscription, nil
}

func (i *Integration) subscribe(ctx context.Context, req *protocol.Request) (*integration.Result, error) {
	topic, subscription, err := subscriptionArgs(req)
	if err != nil {
		return nil, err
	}
	if req.Payload == nil || *req.Payload == "" {
		return nil, integration.Errorf("no rule text in request payload")
	}
	ruleText := *req.Payload

	if _, err := i.ensureClient(req); err != nil {
		return nil, err
	}
	adminClient, err := i.ensureAdminClient()
	if err != nil {
		return nil, err
	}

	forward := req.Context.Bool("forward", false)
	unique := req.Context.Bool("unique", true)

	if forward {
		// The forward queue carries the subscription's name; recreate
		// it from scratch so no stale messages linger.
		if _, err := adminClient.DeleteQueue(ctx, subscription, nil); err != nil {
			logger.Debug("no forward queue to delete",
				"worker", i.worker,
				"queue", subscription,
				"error", err,
			)
		}
		if _, err := adminClient.CreateQueue(ctx, subscription, nil); err != nil {
			return nil, fmt.Errorf("failed to create forward queue for subscription %q", subscription)
		}
	}

	topicProperties, err := adminClient.GetTopic(ctx, topic, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get topic %q: %w", topic, err)
	}
	if topicProperties == nil {
		return nil, integration.Errorf("topic %q does not exist", topic)
	}

	existing, err := adminClient.GetSubscription(ctx, topic, subscription, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription %q: %w", subscription, err)
	}

	if existing == nil {
		var options *admin.CreateSubscriptionOptions
		if forward {
			options = &admin.CreateSubscriptionOptions{
				Properties: &admin.SubscriptionProperties{
					ForwardTo: &subscription,
				},
			}
		}
		if _, err := adminClient.CreateSubscription(ctx, topic, subscription, options); err != nil {
			return nil, fmt.Errorf("failed to create subscription %q on topic %q: %w", subscription, topic, err)
		}
	} else if !unique {
		return &integration.Result{
			Message: fmt.Sprintf("non-unique subscription %q on topic %q already created", subscription, topic),
		}, nil
	}

	if _, err := adminClient.DeleteRule(ctx, topic, subscription, defaultRuleName, nil); err != nil {
		logger.Debug("no default rule to delete",
			"worker", i.worker,
			"topic", topic,
			"subscription", subscription,
			"error", err,
		)
	}

	filter := &admin.SQLFilter{Expression: ruleText}

	rule, err := adminClient.GetRule(ctx, topic, subscription, userRuleName, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get rule %q: %w", userRuleName, err)
	}

	if rule == nil {
		ruleName := userRuleName
		_, err = adminClient.CreateRule(ctx, topic, subscription, &admin.CreateRuleOptions{
			Name:   &ruleName,
			Filter: filter,
		})
	} else {
		rule.Filter = filter
		rule.Action = nil
		_, err = adminClient.UpdateRule(ctx, topic, subscription, rule.RuleProperties)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to install rule %q: %w", userRuleName, err)
	}

	i.mu.Lock()
	i.subscriptions[topic+"/"+subscription] = req
	i.mu.Unlock()

	logger.Info("created subscription",
		"worker", i.worker,
		"topic", topic,
		"subscription", subscription,
		"forward", forward,
	)

	return &integration.Result{
		Message: fmt.Sprintf("created subscription %q on topic %q", subscription, topic),
	}, nil
}

func (i *Integration) unsubscribe(ctx context.Context, req *protocol.Request) (*integration.Result, error) {
	topic, subscription, err := subscriptionArgs(req)
	if err != nil {
		return nil, err
	}

	if _, err := i.ensureClient(req); err != nil {
		return nil, err
	}
	adminClient, err := i.ensureAdminClient()
	if err != nil {
		return nil, err
	}

	forward := req.Context.Bool("forward", false)
	unique := req.Context.Bool("unique", true)

	existing, err := adminClient.GetSubscription(ctx, topic, subscription, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription %q: %w", subscription, err)
	}
	if existing == nil {
		if !unique {
			i.forgetSubscription(topic, subscription)
			return &integration.Result{
				Message: fmt.Sprintf("subscription %q on topic %q already removed", subscription, topic),
			}, nil
		}
		return nil, integration.Errorf("subscription %q does not exist on topic %q", subscription, topic)
	}

	message := fmt.Sprintf("removed subscription %q on topic %q", subscription, topic)

	runtime, err := adminClient.GetSubscriptionRuntimeProperties(ctx, topic, subscription, nil)
	if err == nil && runtime != nil {
		message = fmt.Sprintf(
			"%s (active=%d, total=%d, transfer=%d, dead-letter=%d)",
			message,
			runtime.ActiveMessageCount,
			runtime.TotalMessageCount,
			runtime.TransferMessageCount,
			runtime.DeadLetterMessageCount,
		)
	}

	if _, err := adminClient.DeleteSubscription(ctx, topic, subscription, nil); err != nil {
		return nil, fmt.Errorf("failed to delete subscription %q on topic %q: %w", subscription, topic, err)
	}

	if forward {
		if _, err := adminClient.DeleteQueue(ctx, subscription, nil); err != nil {
			logger.Warn("failed to delete forward queue",
				"worker", i.worker,
				"queue", subscription,
				"error", err,
			)
		}
	}

	i.forgetSubscription(topic, subscription)

	return &integration.Result{Message: message}, nil
}

func (i *Integration) forgetSubscription(topic, subscription string) {
	i.mu.Lock()
	delete(i.subscriptions, topic+"/"+subscription)
	i.mu.Unlock()
}
