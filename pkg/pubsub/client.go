package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"go.uber.org/multierr"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/storyframe/storyframe-backend/pkg/config"
	"github.com/storyframe/storyframe-backend/pkg/logger"
)

type kind string

const (
	kindTopic        kind = "topics"
	kindSubscription kind = "subscriptions"
)

// resource is one configured topic or subscription, by short id or full name.
type resource struct {
	kind kind
	name string
}

// Client holds the Pub/Sub connection and one ordered publisher per topic.
type Client struct {
	client    *pubsub.Client
	projectID string
	resources []resource

	mu         sync.Mutex
	publishers map[string]*pubsub.Publisher
}

var (
	errProjectIDRequired = errors.New("gcp project id is required")
	errNotInitialized    = errors.New("pubsub client not initialized")
	errNoTopics          = errors.New("at least one pubsub topic is required")
)

// NewClient connects to Pub/Sub and fails unless every configured topic and
// subscription exists.
func NewClient(ctx context.Context, gcp config.GCPConfig, cfg config.PubSubConfig, logg *logger.Logger) (*Client, error) {
	projectID := strings.TrimSpace(gcp.ProjectID)
	if projectID == "" {
		return nil, errProjectIDRequired
	}

	conn, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}

	c := &Client{
		client:     conn,
		projectID:  projectID,
		resources:  configured(cfg),
		publishers: map[string]*pubsub.Publisher{},
	}
	if err := c.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}

	if logg != nil {
		logg.Info(logg.WithFields(ctx, map[string]any{
			"gcp_project":    projectID,
			"pubsub_checked": len(c.resources),
		}), "pubsub client initialized")
	}
	return c, nil
}

func configured(cfg config.PubSubConfig) []resource {
	var out []resource
	add := func(k kind, names ...string) {
		for _, n := range names {
			if n = strings.TrimSpace(n); n != "" {
				out = append(out, resource{kind: k, name: n})
			}
		}
	}
	add(kindTopic, cfg.BillingTopic, cfg.NotificationTopic)
	add(kindSubscription, cfg.BillingSubscription, cfg.NotificationSubscription)
	return out
}

func hasTopic(resources []resource) bool {
	for _, r := range resources {
		if r.kind == kindTopic {
			return true
		}
	}
	return false
}

// Publisher returns the cached ordered publisher for a topic id or full
// resource name. Ordering keeps one account's events in commit order.
func (c *Client) Publisher(name string) *pubsub.Publisher {
	if c == nil || c.client == nil {
		return nil
	}
	fullName := resourceName(c.projectID, name, kindTopic)
	if fullName == "" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.publishers[fullName]
	if !ok {
		p = c.client.Publisher(fullName)
		p.EnableMessageOrdering = true
		c.publishers[fullName] = p
	}
	return p
}

// Ping checks every configured resource and reports all that are missing.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.client == nil {
		return errNotInitialized
	}
	if !hasTopic(c.resources) {
		return errNoTopics
	}
	var errs error
	for _, r := range c.resources {
		errs = multierr.Append(errs, c.check(ctx, r))
	}
	return errs
}

func (c *Client) check(ctx context.Context, r resource) error {
	fullName := resourceName(c.projectID, r.name, r.kind)
	if fullName == "" {
		return fmt.Errorf("%s %q not configured", r.kind, r.name)
	}

	var err error
	switch r.kind {
	case kindTopic:
		_, err = c.client.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{Topic: fullName})
	case kindSubscription:
		_, err = c.client.SubscriptionAdminClient.GetSubscription(ctx, &pubsubpb.GetSubscriptionRequest{Subscription: fullName})
	}
	switch {
	case err == nil:
		return nil
	case status.Code(err) == codes.NotFound:
		return fmt.Errorf("%s %q does not exist", r.kind, r.name)
	default:
		return fmt.Errorf("checking %s %q: %w", r.kind, r.name, err)
	}
}

// Close stops cached publishers, flushing what they buffered, then closes
// the connection.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	c.mu.Lock()
	for name, p := range c.publishers {
		p.Stop()
		delete(c.publishers, name)
	}
	c.mu.Unlock()
	return c.client.Close()
}

// resourceName expands a short id to projects/<p>/<kind>/<id>. Full names
// of the same kind pass through.
func resourceName(projectID, name string, k kind) string {
	n := strings.TrimSpace(name)
	switch {
	case n == "":
		return ""
	case strings.HasPrefix(n, "projects/") && strings.Contains(n, "/"+string(k)+"/"):
		return n
	}
	p := strings.TrimSpace(projectID)
	if p == "" {
		return ""
	}
	return "projects/" + p + "/" + string(k) + "/" + n
}
