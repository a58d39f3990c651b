package s3ui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/gofrs/flock"
	"github.com/shogo82148/go-retry"
)

// StoreOption contains configuration for the monitor-policy store.
//
// Supported store types:
//   - "file": JSON document on local disk, guarded by a lock file (default)
//   - "dynamodb": one item per bucket in a DynamoDB table
type StoreOption struct {
	Type       string `help:"policy store type" default:"file" enum:"file,dynamodb" env:"S3UI_STORE_TYPE"`
	PolicyFile string `help:"policy store data file" default:"polling_config.json" env:"S3UI_POLICY_FILE"`
	LockFile   string `help:"policy store lock file" default:"polling_config.lock" env:"S3UI_POLICY_LOCK_FILE"`
	TableName  string `help:"dynamodb table name" default:"s3ui-policies" env:"S3UI_DDB_TABLE_NAME"`
	AutoCreate bool   `help:"auto create dynamodb table" default:"false" env:"S3UI_DDB_AUTO_CREATE" negatable:""`
}

// BucketPolicy is the per-bucket monitoring policy written by the console and
// read fresh by the poller every cycle.
type BucketPolicy struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

// PolicySet maps bucket name to its monitoring policy.
type PolicySet map[string]*BucketPolicy

// ErrConfigUnavailable means the policy document could not be read this cycle
// (missing backend, corrupt content). Callers retry with a short backoff.
var ErrConfigUnavailable = errors.New("polling configuration unavailable")

// PolicyStore persists the monitoring policies. Load must return an atomic
// view of the whole document: fully parsed or an error, never a torn read.
type PolicyStore interface {
	Load(ctx context.Context) (PolicySet, error)
	Put(ctx context.Context, bucket string, policy *BucketPolicy) error
	Delete(ctx context.Context, bucket string) error
}

// NewPolicyStore creates a PolicyStore implementation based on the option type.
func NewPolicyStore(ctx context.Context, opt StoreOption) (PolicyStore, error) {
	switch opt.Type {
	case "file":
		return NewFilePolicyStore(ctx, opt)
	case "dynamodb":
		return NewDynamoDBPolicyStore(ctx, opt)
	}
	return nil, errors.New("unknown policy store type")
}

// FilePolicyStore keeps the policy document as a JSON file. A lock file
// serializes readers and writers across processes, so the poller and the
// console never observe a half-written document.
type FilePolicyStore struct {
	dataFile string
	lockFile string
}

// NewFilePolicyStore creates a file-backed store.
func NewFilePolicyStore(_ context.Context, opt StoreOption) (*FilePolicyStore, error) {
	if opt.PolicyFile == "" {
		return nil, errors.New("policy file path is required")
	}
	return &FilePolicyStore{
		dataFile: opt.PolicyFile,
		lockFile: opt.LockFile,
	}, nil
}

func (s *FilePolicyStore) Load(ctx context.Context) (PolicySet, error) {
	var policies PolicySet
	err := s.transactional(ctx, func(_ context.Context, current PolicySet) (PolicySet, error) {
		policies = current
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return policies, nil
}

func (s *FilePolicyStore) Put(ctx context.Context, bucket string, policy *BucketPolicy) error {
	return s.transactional(ctx, func(_ context.Context, current PolicySet) (PolicySet, error) {
		current[bucket] = policy
		return current, nil
	})
}

func (s *FilePolicyStore) Delete(ctx context.Context, bucket string) error {
	return s.transactional(ctx, func(_ context.Context, current PolicySet) (PolicySet, error) {
		delete(current, bucket)
		return current, nil
	})
}

// transactional runs fn under the file lock with the current document.
// fn returns the document to store, or nil for a read-only transaction.
func (s *FilePolicyStore) transactional(ctx context.Context, fn func(context.Context, PolicySet) (PolicySet, error)) error {
	fileLock := flock.New(s.lockFile)
	policy := retry.Policy{
		MinDelay: 100 * time.Millisecond,
		MaxDelay: 1 * time.Second,
		MaxCount: 10,
		Jitter:   35 * time.Millisecond,
	}
	retrier := policy.Start(ctx)
	var err error
	var locked bool
	for retrier.Continue() {
		locked, err = fileLock.TryLock()
		if err != nil {
			slog.DebugContext(ctx, "policy store lock attempt failed", "lock_file", s.lockFile, "error", err)
			continue
		}
		if locked {
			break
		}
	}
	if !locked {
		return fmt.Errorf("%w: cannot lock %s: %v", ErrConfigUnavailable, s.lockFile, err)
	}
	defer func() {
		if err := fileLock.Unlock(); err != nil {
			slog.DebugContext(ctx, "policy store unlock failed", "lock_file", s.lockFile, "error", err)
		}
	}()
	current, err := s.restore(ctx)
	if err != nil {
		return err
	}
	updated, err := fn(ctx, current)
	if err != nil {
		return err
	}
	if updated == nil {
		return nil
	}
	return s.store(ctx, updated)
}

func (s *FilePolicyStore) restore(ctx context.Context) (PolicySet, error) {
	content, err := os.ReadFile(s.dataFile)
	if err != nil {
		if os.IsNotExist(err) {
			// Not created yet: no buckets configured.
			return PolicySet{}, nil
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrConfigUnavailable, s.dataFile, err)
	}
	if len(content) == 0 {
		return PolicySet{}, nil
	}
	var policies PolicySet
	if err := json.Unmarshal(content, &policies); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrConfigUnavailable, s.dataFile, err)
	}
	if policies == nil {
		policies = PolicySet{}
	}
	return policies, nil
}

func (s *FilePolicyStore) store(ctx context.Context, policies PolicySet) error {
	content, err := json.MarshalIndent(policies, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal policies: %w", err)
	}
	if err := os.WriteFile(s.dataFile, content, 0600); err != nil {
		return fmt.Errorf("write %s: %w", s.dataFile, err)
	}
	slog.DebugContext(ctx, "policy store written", "data_file", s.dataFile, "buckets", len(policies))
	return nil
}

// DynamoDBAPI is the subset of *dynamodb.Client used by DynamoDBPolicyStore.
// This is satisfied by *dynamodb.Client.
type DynamoDBAPI interface {
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

var _ DynamoDBAPI = (*dynamodb.Client)(nil)

// DynamoDBPolicyStore keeps one item per bucket in a DynamoDB table,
// keyed by BucketName. Suitable when the console and the poller run as
// separate processes without a shared filesystem.
type DynamoDBPolicyStore struct {
	client    DynamoDBAPI
	tableName string
}

// NewDynamoDBPolicyStore creates the store and optionally creates the table.
func NewDynamoDBPolicyStore(ctx context.Context, opt StoreOption) (*DynamoDBPolicyStore, error) {
	awsCfg, err := loadAWSConfig(ctx)
	if err != nil {
		return nil, err
	}
	s := &DynamoDBPolicyStore{
		client:    dynamodb.NewFromConfig(awsCfg),
		tableName: opt.TableName,
	}
	exists, err := s.tableExists(ctx)
	if err != nil {
		return nil, err
	}
	if !exists && opt.AutoCreate {
		if err := s.createTable(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// NewDynamoDBPolicyStoreWithClient creates the store over an existing client.
// Mostly useful for tests.
func NewDynamoDBPolicyStoreWithClient(client DynamoDBAPI, tableName string) *DynamoDBPolicyStore {
	return &DynamoDBPolicyStore{
		client:    client,
		tableName: tableName,
	}
}

func (s *DynamoDBPolicyStore) tableExists(ctx context.Context) (bool, error) {
	table, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})
	if err != nil {
		var ae smithy.APIError
		if errors.As(err, &ae) && ae.ErrorCode() == "ResourceNotFoundException" {
			return false, nil
		}
		return false, err
	}
	status := table.Table.TableStatus
	return status == types.TableStatusActive || status == types.TableStatusUpdating, nil
}

func (s *DynamoDBPolicyStore) waitTableActive(ctx context.Context) error {
	policy := retry.Policy{
		MinDelay: 200 * time.Millisecond,
		MaxDelay: 2 * time.Second,
		MaxCount: 20,
		Jitter:   100 * time.Millisecond,
	}
	retrier := policy.Start(ctx)
	var err error
	var exists bool
	for retrier.Continue() {
		exists, err = s.tableExists(ctx)
		if err == nil && exists {
			return nil
		}
	}
	if err == nil {
		return fmt.Errorf("table %s not active", s.tableName)
	}
	return fmt.Errorf("table %s not active: %w", s.tableName, err)
}

func (s *DynamoDBPolicyStore) createTable(ctx context.Context) error {
	output, err := s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.tableName),
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String("BucketName"),
				AttributeType: types.ScalarAttributeTypeS,
			},
		},
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String("BucketName"),
				KeyType:       types.KeyTypeHash,
			},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		var ae smithy.APIError
		if errors.As(err, &ae) && ae.ErrorCode() == "ResourceInUseException" {
			return s.waitTableActive(ctx)
		}
		return err
	}
	slog.InfoContext(ctx, "created dynamodb table", "table_arn", aws.ToString(output.TableDescription.TableArn))
	return s.waitTableActive(ctx)
}

func (s *DynamoDBPolicyStore) Load(ctx context.Context) (PolicySet, error) {
	policies := PolicySet{}
	var startKey map[string]types.AttributeValue
	for {
		output, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(s.tableName),
			Select:            types.SelectAllAttributes,
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: scan %s: %v", ErrConfigUnavailable, s.tableName, err)
		}
		for _, item := range output.Items {
			bucket, policy := policyFromAttributeValues(item)
			if bucket == "" {
				continue
			}
			policies[bucket] = policy
		}
		if output.LastEvaluatedKey == nil {
			return policies, nil
		}
		startKey = output.LastEvaluatedKey
	}
}

func (s *DynamoDBPolicyStore) Put(ctx context.Context, bucket string, policy *BucketPolicy) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      policyToAttributeValues(bucket, policy),
	})
	if err != nil {
		return fmt.Errorf("put policy for %s: %w", bucket, err)
	}
	return nil
}

func (s *DynamoDBPolicyStore) Delete(ctx context.Context, bucket string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"BucketName": &types.AttributeValueMemberS{Value: bucket},
		},
	})
	if err != nil {
		return fmt.Errorf("delete policy for %s: %w", bucket, err)
	}
	return nil
}

// GetAttributeValueAs extracts a typed attribute value from a DynamoDB item.
func GetAttributeValueAs[T types.AttributeValue](key string, values map[string]types.AttributeValue) (T, bool) {
	var empty T
	value, ok := values[key]
	if !ok {
		return empty, false
	}
	if v, ok := value.(T); ok {
		return v, true
	}
	return empty, false
}

func policyFromAttributeValues(values map[string]types.AttributeValue) (string, *BucketPolicy) {
	policy := &BucketPolicy{}
	var bucket string
	if v, ok := GetAttributeValueAs[*types.AttributeValueMemberS]("BucketName", values); ok {
		bucket = v.Value
	}
	if v, ok := GetAttributeValueAs[*types.AttributeValueMemberBOOL]("Enabled", values); ok {
		policy.Enabled = v.Value
	}
	if v, ok := GetAttributeValueAs[*types.AttributeValueMemberS]("WebhookURL", values); ok {
		policy.WebhookURL = v.Value
	}
	return bucket, policy
}

func policyToAttributeValues(bucket string, policy *BucketPolicy) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"BucketName": &types.AttributeValueMemberS{Value: bucket},
		"Enabled":    &types.AttributeValueMemberBOOL{Value: policy.Enabled},
		"WebhookURL": &types.AttributeValueMemberS{Value: policy.WebhookURL},
	}
}
