// Package dynamodb implements the fragmenta stores on a single DynamoDB
// table keyed by PK and SK.
//
//	STREAM#<stream>  BUCKET#<id>   bucket (root: BUCKET#)
//	STREAM#<stream>  META          stream metadata
//	MEMBER#<id>      MEMBER        raw member payload
//	LOCK#<stream>    LOCK          stream lock
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/aretw0/introspection"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/aretw0/fragmenta/pkg/core"
)

// API is the subset of *dynamodb.Client the store uses.
type API interface {
	GetItem(ctx context.Context, in *awsdynamodb.GetItemInput, optFns ...func(*awsdynamodb.Options)) (*awsdynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *awsdynamodb.PutItemInput, optFns ...func(*awsdynamodb.Options)) (*awsdynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *awsdynamodb.UpdateItemInput, optFns ...func(*awsdynamodb.Options)) (*awsdynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *awsdynamodb.DeleteItemInput, optFns ...func(*awsdynamodb.Options)) (*awsdynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *awsdynamodb.QueryInput, optFns ...func(*awsdynamodb.Options)) (*awsdynamodb.QueryOutput, error)
}

var _ API = (*awsdynamodb.Client)(nil)

// Config holds the configuration for the DynamoDB store.
type Config struct {
	Table    string
	Region   string
	Endpoint string // e.g. http://localhost:8000 for DynamoDB Local

	LockTTL     time.Duration
	LockBackoff time.Duration
	LockMaxWait time.Duration
	LockRetries uint64

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
	if c.LockBackoff <= 0 {
		c.LockBackoff = 20 * time.Millisecond
	}
	if c.LockMaxWait <= 0 {
		c.LockMaxWait = time.Second
	}
	if c.LockRetries == 0 {
		c.LockRetries = 60
	}
	return c
}

// Store implements the fragmenta stores on DynamoDB.
type Store struct {
	api    API
	cfg    Config
	now    func() time.Time
	reads  atomic.Int64
	writes atomic.Int64
}

// New loads the default AWS configuration and creates a client for cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Table == "" {
		return nil, fmt.Errorf("%w: dynamodb table is required", core.ErrConfiguration)
	}

	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := awsdynamodb.NewFromConfig(awsCfg, func(o *awsdynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewWithClient(client, cfg), nil
}

// NewWithClient uses an existing client.
func NewWithClient(api API, cfg Config) *Store {
	return &Store{api: api, cfg: cfg.withDefaults(), now: time.Now}
}

// Stores returns the store wired as every engine collaborator.
func (s *Store) Stores() core.Stores {
	return core.Stores{Buckets: s, Members: s, Meta: s, Locker: s}
}

// isConditionFailed reports whether err is a failed ConditionExpression.
func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var ae smithy.APIError
	return errors.As(err, &ae) && ae.ErrorCode() == "ConditionalCheckFailedException"
}

// storeErr wraps SDK failures, naming a missing table explicitly.
func storeErr(op string, err error) error {
	var ae smithy.APIError
	if errors.As(err, &ae) && ae.ErrorCode() == "ResourceNotFoundException" {
		err = fmt.Errorf("table not found: %s: %w", ae.ErrorMessage(), err)
	}
	return core.NewStoreError(op, err)
}

func (s *Store) key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

func (s *Store) FindBucket(ctx context.Context, streamID, id string) (core.Bucket, error) {
	s.reads.Add(1)
	out, err := s.api.GetItem(ctx, &awsdynamodb.GetItemInput{
		TableName:      aws.String(s.cfg.Table),
		Key:            s.key(streamPK(streamID), bucketSK(id)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return core.Bucket{}, storeErr("find bucket", err)
	}
	if len(out.Item) == 0 {
		return core.Bucket{}, core.ErrNotFound
	}

	var item bucketItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return core.Bucket{}, core.NewStoreError("find bucket", fmt.Errorf("failed to unmarshal bucket: %w", err))
	}
	return item.bucket(), nil
}

// notExists is the insert-only condition for a new row.
func notExists() (expression.Expression, error) {
	return expression.NewBuilder().
		WithCondition(expression.AttributeNotExists(expression.Name("PK"))).
		Build()
}

func (s *Store) putNew(ctx context.Context, op string, item any) error {
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return core.NewStoreError(op, fmt.Errorf("failed to marshal item: %w", err))
	}
	expr, err := notExists()
	if err != nil {
		return core.NewStoreError(op, fmt.Errorf("failed to build expression: %w", err))
	}

	s.writes.Add(1)
	_, err = s.api.PutItem(ctx, &awsdynamodb.PutItemInput{
		TableName:                aws.String(s.cfg.Table),
		Item:                     av,
		ConditionExpression:      expr.Condition(),
		ExpressionAttributeNames: expr.Names(),
	})
	if isConditionFailed(err) {
		return core.ErrDuplicate
	}
	if err != nil {
		return storeErr(op, err)
	}
	return nil
}

func (s *Store) InsertBucket(ctx context.Context, b core.Bucket) error {
	return s.putNew(ctx, "insert bucket", toItem(b))
}

// update applies ub to an existing bucket row.
func (s *Store) update(ctx context.Context, op, streamID, id string, ub expression.UpdateBuilder) error {
	expr, err := expression.NewBuilder().
		WithUpdate(ub).
		WithCondition(expression.AttributeExists(expression.Name("PK"))).
		Build()
	if err != nil {
		return core.NewStoreError(op, fmt.Errorf("failed to build expression: %w", err))
	}

	s.writes.Add(1)
	_, err = s.api.UpdateItem(ctx, &awsdynamodb.UpdateItemInput{
		TableName:                 aws.String(s.cfg.Table),
		Key:                       s.key(streamPK(streamID), bucketSK(id)),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if isConditionFailed(err) {
		return core.ErrNotFound
	}
	if err != nil {
		return storeErr(op, err)
	}
	return nil
}

func appendMembersUpdate(ids []string) expression.UpdateBuilder {
	members := expression.Name("Members")
	return expression.
		Set(members, expression.ListAppend(expression.IfNotExists(members, expression.Value([]string{})), expression.Value(ids))).
		Add(expression.Name("Count"), expression.Value(len(ids)))
}

func appendRelationsUpdate(rels []core.Relation) expression.UpdateBuilder {
	relations := expression.Name("Relations")
	return expression.Set(relations, expression.ListAppend(
		expression.IfNotExists(relations, expression.Value([]relationItem{})),
		expression.Value(toRelationItems(rels)),
	))
}

func setFieldsUpdate(f core.Fields) (expression.UpdateBuilder, bool) {
	var ub expression.UpdateBuilder
	set := false
	if f.Start != nil {
		ub = ub.Set(expression.Name("Start"), expression.Value(*nanos(f.Start)))
		set = true
	}
	if f.End != nil {
		ub = ub.Set(expression.Name("End"), expression.Value(*nanos(f.End)))
		set = true
	}
	return ub, set
}

func (s *Store) AppendMemberIDs(ctx context.Context, streamID, id string, ids []string) error {
	if len(ids) == 0 {
		_, err := s.FindBucket(ctx, streamID, id)
		return err
	}
	return s.update(ctx, "append members", streamID, id, appendMembersUpdate(ids))
}

func (s *Store) AppendRelations(ctx context.Context, streamID, id string, rels []core.Relation) error {
	if len(rels) == 0 {
		_, err := s.FindBucket(ctx, streamID, id)
		return err
	}
	return s.update(ctx, "append relations", streamID, id, appendRelationsUpdate(rels))
}

func (s *Store) SetFields(ctx context.Context, streamID, id string, f core.Fields) error {
	ub, ok := setFieldsUpdate(f)
	if !ok {
		_, err := s.FindBucket(ctx, streamID, id)
		return err
	}
	return s.update(ctx, "set fields", streamID, id, ub)
}

// FindMostRecentByStart pages through the stream's bucket rows, projecting
// only their identifiers and starts, then reads the winner in full.
func (s *Store) FindMostRecentByStart(ctx context.Context, streamID string) (core.Bucket, error) {
	keyCond := expression.Key("PK").Equal(expression.Value(streamPK(streamID))).
		And(expression.Key("SK").BeginsWith(bucketPrefix))
	proj := expression.NamesList(expression.Name("ID"), expression.Name("Start"))

	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).WithProjection(proj).Build()
	if err != nil {
		return core.Bucket{}, core.NewStoreError("find most recent", fmt.Errorf("failed to build expression: %w", err))
	}

	paginator := awsdynamodb.NewQueryPaginator(s.api, &awsdynamodb.QueryInput{
		TableName:                 aws.String(s.cfg.Table),
		KeyConditionExpression:    expr.KeyCondition(),
		ProjectionExpression:      expr.Projection(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ConsistentRead:            aws.Bool(true),
	})

	var best *bucketItem
	for paginator.HasMorePages() {
		s.reads.Add(1)
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return core.Bucket{}, storeErr("find most recent", err)
		}

		var items []bucketItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return core.Bucket{}, core.NewStoreError("find most recent", fmt.Errorf("failed to unmarshal page: %w", err))
		}
		for i := range items {
			it := items[i]
			if it.Start == nil {
				continue
			}
			if best == nil || *it.Start > *best.Start || (*it.Start == *best.Start && it.ID > best.ID) {
				best = &it
			}
		}
	}

	if best == nil {
		return core.Bucket{}, core.ErrNotFound
	}
	return s.FindBucket(ctx, streamID, best.ID)
}

// InsertMembers stores each payload, replacing an earlier payload with the
// same identifier.
func (s *Store) InsertMembers(ctx context.Context, members []core.Member) error {
	for _, m := range members {
		av, err := attributevalue.MarshalMap(memberItem{PK: memberPK(m.ID), SK: memberSK, ID: m.ID, Payload: m.Payload})
		if err != nil {
			return core.NewStoreError("insert members", fmt.Errorf("failed to marshal member %q: %w", m.ID, err))
		}
		s.writes.Add(1)
		if _, err := s.api.PutItem(ctx, &awsdynamodb.PutItemInput{
			TableName: aws.String(s.cfg.Table),
			Item:      av,
		}); err != nil {
			return storeErr("insert members", fmt.Errorf("member %q: %w", m.ID, err))
		}
	}
	return nil
}

// FindMember returns the stored payload of a member.
func (s *Store) FindMember(ctx context.Context, id string) ([]byte, error) {
	s.reads.Add(1)
	out, err := s.api.GetItem(ctx, &awsdynamodb.GetItemInput{
		TableName: aws.String(s.cfg.Table),
		Key:       s.key(memberPK(id), memberSK),
	})
	if err != nil {
		return nil, storeErr("find member", err)
	}
	if len(out.Item) == 0 {
		return nil, core.ErrNotFound
	}
	var item memberItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, core.NewStoreError("find member", err)
	}
	return item.Payload, nil
}

func (s *Store) FindStreamMeta(ctx context.Context, streamID string) (core.StreamMeta, error) {
	s.reads.Add(1)
	out, err := s.api.GetItem(ctx, &awsdynamodb.GetItemInput{
		TableName:      aws.String(s.cfg.Table),
		Key:            s.key(streamPK(streamID), metaSK),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return core.StreamMeta{}, storeErr("find meta", err)
	}
	if len(out.Item) == 0 {
		return core.StreamMeta{}, core.ErrNotFound
	}

	var item metaItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return core.StreamMeta{}, core.NewStoreError("find meta", err)
	}
	meta := core.StreamMeta{StreamID: item.Stream, Description: item.Description}
	if item.CreatedAt != "" {
		if meta.CreatedAt, err = time.Parse(time.RFC3339Nano, item.CreatedAt); err != nil {
			return core.StreamMeta{}, core.NewStoreError("find meta", fmt.Errorf("invalid created_at: %w", err))
		}
	}
	return meta, nil
}

func (s *Store) InsertStreamMeta(ctx context.Context, meta core.StreamMeta) error {
	return s.putNew(ctx, "insert meta", metaItem{
		PK:          streamPK(meta.StreamID),
		SK:          metaSK,
		Stream:      meta.StreamID,
		Description: meta.Description,
		CreatedAt:   meta.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
}

// StoreState exposes internal state for observability.
type StoreState struct {
	Table    string `json:"table"`
	Region   string `json:"region,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
	Reads    int64  `json:"reads"`
	Writes   int64  `json:"writes"`
}

// State implements introspection.Introspectable.
func (s *Store) State() any {
	return StoreState{
		Table:    s.cfg.Table,
		Region:   s.cfg.Region,
		Endpoint: s.cfg.Endpoint,
		Reads:    s.reads.Load(),
		Writes:   s.writes.Load(),
	}
}

// ComponentType implements introspection.Component.
func (s *Store) ComponentType() string {
	return "dynamodb"
}

var (
	_ core.BucketStore             = (*Store)(nil)
	_ core.MemberStore             = (*Store)(nil)
	_ core.MemberReader            = (*Store)(nil)
	_ core.MetaStore               = (*Store)(nil)
	_ introspection.Introspectable = (*Store)(nil)
	_ introspection.Component      = (*Store)(nil)
)
