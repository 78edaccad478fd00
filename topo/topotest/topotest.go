//go:build integration

// Package topotest starts disposable MongoDB replica sets for integration tests.
package topotest

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/percona/percona-oplogsync-mongodb/errors"
)

const replSetName = "rs0"

// StartReplicaSet starts a single-node replica set and returns a direct
// connection URI to it. The container is removed when the test ends.
func StartReplicaSet(t *testing.T) string {
	t.Helper()

	ctx := t.Context()

	mongoVersion := os.Getenv("MONGO_VERSION")
	if mongoVersion == "" {
		mongoVersion = "8.0"
	}

	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mongo:" + mongoVersion,
			Cmd:          []string{"--replSet", replSetName, "--bind_ip_all"},
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections").WithStartupTimeout(2 * time.Minute),
		},
		Started: true,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = testcontainers.TerminateContainer(ctr)
	})

	endpoint, err := ctr.PortEndpoint(ctx, "27017/tcp", "")
	require.NoError(t, err)

	uri := fmt.Sprintf("mongodb://%s/?directConnection=true", endpoint)

	require.NoError(t, initiate(ctx, uri))

	return uri
}

func initiate(ctx context.Context, uri string) error {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return errors.Wrap(err, "connect")
	}

	defer func() {
		_ = client.Disconnect(context.Background())
	}()

	err = client.Database("admin").RunCommand(ctx, bson.D{
		{"replSetInitiate", bson.D{
			{"_id", replSetName},
			{"members", bson.A{bson.D{{"_id", 0}, {"host", "localhost:27017"}}}},
		}},
	}).Err()
	if err != nil {
		return errors.Wrap(err, "replSetInitiate")
	}

	deadline := time.Now().Add(time.Minute)
	for time.Now().Before(deadline) {
		var res struct {
			IsWritablePrimary bool `bson:"isWritablePrimary"`
		}

		err = client.Database("admin").RunCommand(ctx, bson.D{{"hello", 1}}).Decode(&res)
		if err == nil && res.IsWritablePrimary {
			return nil
		}

		time.Sleep(200 * time.Millisecond)
	}

	return errors.New("replica set has no primary")
}
