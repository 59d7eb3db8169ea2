package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/storyframe/storyframe-backend/pkg/config"
)

func TestResourceName(t *testing.T) {
	cases := []struct {
		project, name string
		kind          kind
		want          string
	}{
		{"p1", " sf-billing-events ", kindTopic, "projects/p1/topics/sf-billing-events"},
		{"p1", "projects/other/topics/x", kindTopic, "projects/other/topics/x"},
		{"p1", "sub", kindSubscription, "projects/p1/subscriptions/sub"},
		{"p1", "projects/other/topics/x", kindSubscription, "projects/p1/subscriptions/projects/other/topics/x"},
		{"", "sub", kindSubscription, ""},
		{"p1", "  ", kindTopic, ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, resourceName(tc.project, tc.name, tc.kind), "%s %q", tc.kind, tc.name)
	}
}

func TestConfiguredSkipsBlankNames(t *testing.T) {
	got := configured(config.PubSubConfig{
		BillingTopic:        "billing",
		NotificationTopic:   " ",
		BillingSubscription: "billing-sub",
	})
	assert.Equal(t, []resource{
		{kind: kindTopic, name: "billing"},
		{kind: kindSubscription, name: "billing-sub"},
	}, got)
	assert.True(t, hasTopic(got))
	assert.False(t, hasTopic(got[1:]))
}

func TestNilClientGuards(t *testing.T) {
	var c *Client
	assert.Nil(t, c.Publisher("billing"))
	assert.ErrorIs(t, c.Ping(context.Background()), errNotInitialized)
	assert.NoError(t, c.Close())
}
