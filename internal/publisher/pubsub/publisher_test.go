package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const topicName = "projects/p/topics/email-results"

type event struct {
	ItemID  string `json:"item_id"`
	Outcome string `json:"outcome"`
}

func (e event) Attributes() map[string]string {
	return map[string]string{"outcome": e.Outcome}
}

func newTestPublisher(t *testing.T) (*Publisher, *pstest.Server) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })
	// Publishing once creates the topic on the fake server.
	srv.Publish(topicName, []byte("bootstrap"), nil)

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	client, err := pubsub.NewClient(context.Background(), "p", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	pub := New(client.Publisher(topicName))
	t.Cleanup(pub.Stop)
	return pub, srv
}

func TestPublishSendsJSONWithAttributes(t *testing.T) {
	t.Parallel()

	pub, srv := newTestPublisher(t)
	id, err := pub.Publish(context.Background(), "email-results", event{ItemID: "42", Outcome: "emails_found"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	var found bool
	for _, m := range srv.Messages() {
		if m.ID != id {
			continue
		}
		found = true
		var got event
		require.NoError(t, json.Unmarshal(m.Data, &got))
		require.Equal(t, event{ItemID: "42", Outcome: "emails_found"}, got)
		require.Equal(t, "emails_found", m.Attributes["outcome"])
		require.Equal(t, "email-results", m.Attributes["topic"])
	}
	require.True(t, found)
}

func TestPublishRejectsUnconfigured(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "t", event{})
	require.Error(t, err)

	pub, _ := newTestPublisher(t)
	_, err = pub.Publish(context.Background(), "t", make(chan int))
	require.ErrorContains(t, err, "marshal payload")
}
