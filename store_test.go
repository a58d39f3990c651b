package s3ui_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/jhurlocker/s3ui"
	"github.com/stretchr/testify/require"
)

func newTestFileStore(t *testing.T) (*s3ui.FilePolicyStore, string) {
	t.Helper()
	dir := t.TempDir()
	dataFile := filepath.Join(dir, "polling_config.json")
	store, err := s3ui.NewFilePolicyStore(context.Background(), s3ui.StoreOption{
		PolicyFile: dataFile,
		LockFile:   filepath.Join(dir, "polling_config.lock"),
	})
	require.NoError(t, err)
	return store, dataFile
}

func TestFilePolicyStoreMissingFile(t *testing.T) {
	store, _ := newTestFileStore(t)
	policies, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Empty(t, policies)
}

func TestFilePolicyStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestFileStore(t)

	require.NoError(t, store.Put(ctx, "reports", &s3ui.BucketPolicy{
		Enabled:    true,
		WebhookURL: "http://consumer.example.com/hook",
	}))
	require.NoError(t, store.Put(ctx, "media", &s3ui.BucketPolicy{
		Enabled: false,
	}))

	policies, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, policies, 2)
	require.True(t, policies["reports"].Enabled)
	require.Equal(t, "http://consumer.example.com/hook", policies["reports"].WebhookURL)
	require.False(t, policies["media"].Enabled)

	require.NoError(t, store.Delete(ctx, "media"))
	policies, err = store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, policies, 1)
	require.NotContains(t, policies, "media")
}

func TestFilePolicyStoreDeleteMissingBucket(t *testing.T) {
	store, _ := newTestFileStore(t)
	require.NoError(t, store.Delete(context.Background(), "never-existed"))
}

func TestFilePolicyStoreMalformedDocument(t *testing.T) {
	store, dataFile := newTestFileStore(t)
	require.NoError(t, os.WriteFile(dataFile, []byte(`{"reports": {`), 0600))

	_, err := store.Load(context.Background())
	require.ErrorIs(t, err, s3ui.ErrConfigUnavailable)
}

type stubDynamoDB struct {
	items map[string]map[string]types.AttributeValue
}

func (s *stubDynamoDB) DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	return &dynamodb.DescribeTableOutput{
		Table: &types.TableDescription{TableStatus: types.TableStatusActive},
	}, nil
}

func (s *stubDynamoDB) CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	return &dynamodb.CreateTableOutput{}, nil
}

func (s *stubDynamoDB) Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	items := make([]map[string]types.AttributeValue, 0, len(s.items))
	for _, item := range s.items {
		items = append(items, item)
	}
	return &dynamodb.ScanOutput{Items: items}, nil
}

func (s *stubDynamoDB) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	key := params.Item["BucketName"].(*types.AttributeValueMemberS).Value
	if s.items == nil {
		s.items = make(map[string]map[string]types.AttributeValue)
	}
	s.items[key] = params.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (s *stubDynamoDB) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	key := params.Key["BucketName"].(*types.AttributeValueMemberS).Value
	delete(s.items, key)
	return &dynamodb.DeleteItemOutput{}, nil
}

func TestDynamoDBPolicyStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := s3ui.NewDynamoDBPolicyStoreWithClient(&stubDynamoDB{}, "s3ui-policies")

	require.NoError(t, store.Put(ctx, "reports", &s3ui.BucketPolicy{
		Enabled:    true,
		WebhookURL: "http://consumer.example.com/hook",
	}))
	require.NoError(t, store.Put(ctx, "archive", &s3ui.BucketPolicy{Enabled: false}))

	policies, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, policies, 2)
	require.True(t, policies["reports"].Enabled)
	require.Equal(t, "http://consumer.example.com/hook", policies["reports"].WebhookURL)
	require.False(t, policies["archive"].Enabled)

	require.NoError(t, store.Delete(ctx, "archive"))
	policies, err = store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, policies, 1)
}

func TestFilePolicyStoreExistingDocument(t *testing.T) {
	store, dataFile := newTestFileStore(t)
	require.NoError(t, os.WriteFile(dataFile, []byte(`{
		"reports": {"enabled": true, "webhook_url": "http://consumer.example.com/hook"},
		"archive": {"enabled": false, "webhook_url": ""}
	}`), 0600))

	policies, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, policies, 2)
	require.True(t, policies["reports"].Enabled)
	require.False(t, policies["archive"].Enabled)
}
