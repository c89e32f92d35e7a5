// Package dynamo stores entities in a DynamoDB table, one item per entity
// keyed by the "identity" string attribute. A unit of work commits as a
// single conditional TransactWriteItems call.
package dynamo

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"polygene/internal/infra/persistence/document"
	"polygene/pkg/entity"
	"polygene/pkg/observe"
)

const (
	backendName = "dynamodb"
	keyAttr     = "identity"
	versionAttr = "version"

	// MaxTransactItems is the DynamoDB limit on items per transaction.
	MaxTransactItems = 100
)

// API is the subset of the DynamoDB client the store calls.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

var (
	_ API             = (*dynamodb.Client)(nil)
	_ entity.StoreSPI = (*Store)(nil)
)

// ClientConfig describes how to reach DynamoDB. Empty credentials fall back
// to the default AWS credential chain.
type ClientConfig struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// NewClient builds a DynamoDB client from cfg.
func NewClient(ctx context.Context, cfg ClientConfig) (*dynamodb.Client, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger observe.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithScanPageSize limits the items returned per Scan page. Zero leaves the
// limit to DynamoDB.
func WithScanPageSize(n int32) Option {
	return func(s *Store) { s.pageSize = n }
}

// Store implements entity.StoreSPI on a DynamoDB table.
type Store struct {
	client     API
	table      string
	serializer entity.ValueSerializer
	logger     observe.Logger
	pageSize   int32
}

// New returns a store over table.
func New(client API, table string, serializer entity.ValueSerializer, opts ...Option) (*Store, error) {
	if table == "" {
		return nil, errors.New("dynamodb table required")
	}
	s := &Store{client: client, table: table, serializer: serializer, logger: observe.NopLogger()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Table returns the table name.
func (s *Store) Table() string { return s.table }

func key(id entity.Identity) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{keyAttr: &types.AttributeValueMemberS{Value: string(id)}}
}

func (s *Store) get(ctx context.Context, uow entity.StoreUnitOfWork, id entity.Identity) (document.Document, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return document.Document{}, entity.NewStoreError(backendName, "get", err)
	}
	if out.Item == nil {
		return document.Document{}, &entity.NoSuchEntityError{Identity: id, Usecase: uow.Usecase()}
	}
	var doc document.Document
	if err := attributevalue.UnmarshalMap(out.Item, &doc); err != nil {
		return document.Document{}, entity.NewStoreError(backendName, "decode", fmt.Errorf("%s: %w", id, err))
	}
	return doc, nil
}

func (s *Store) decode(module *entity.Module, doc document.Document) (*entity.State, error) {
	st, err := document.Decode(s.serializer, module, doc)
	if err != nil && !errors.Is(err, entity.ErrNoSuchEntityType) {
		return nil, entity.NewStoreError(backendName, "decode "+doc.Identity, err)
	}
	return st, err
}

// NewEntityState implements entity.StoreSPI.
func (s *Store) NewEntityState(_ context.Context, uow entity.StoreUnitOfWork, id entity.Identity, d entity.Descriptor) (*entity.State, error) {
	return entity.NewState(id, d, uow.CurrentTime()), nil
}

// EntityStateOf implements entity.StoreSPI.
func (s *Store) EntityStateOf(ctx context.Context, uow entity.StoreUnitOfWork, id entity.Identity) (*entity.State, error) {
	doc, err := s.get(ctx, uow, id)
	if err != nil {
		return nil, err
	}
	return s.decode(uow.Module(), doc)
}

// VersionOf implements entity.StoreSPI.
func (s *Store) VersionOf(ctx context.Context, uow entity.StoreUnitOfWork, id entity.Identity) (entity.Version, error) {
	doc, err := s.get(ctx, uow, id)
	if err != nil {
		return "", err
	}
	return entity.Version(doc.Version), nil
}

// ApplyChanges implements entity.StoreSPI. It builds the transaction up front;
// batches above MaxTransactItems are refused.
func (s *Store) ApplyChanges(_ context.Context, uow entity.StoreUnitOfWork, states []*entity.State) (entity.Committer, error) {
	changes := entity.Changes(uow, states)
	if len(changes) > MaxTransactItems {
		return nil, entity.NewStoreError(backendName, "apply",
			fmt.Errorf("%d changes exceed the %d item transaction limit", len(changes), MaxTransactItems))
	}
	appVersion := ""
	if m := uow.Module(); m != nil {
		appVersion = m.Version()
	}
	items := make([]types.TransactWriteItem, 0, len(changes))
	for _, ch := range changes {
		item, err := s.writeItem(ch, appVersion)
		if err != nil {
			return nil, entity.NewStoreError(backendName, "encode", err)
		}
		items = append(items, item)
	}
	return &committer{store: s, uow: uow.ID(), changes: changes, items: items}, nil
}

func (s *Store) writeItem(ch entity.Change, appVersion string) (types.TransactWriteItem, error) {
	if ch.Status == entity.StatusRemoved {
		return types.TransactWriteItem{Delete: &types.Delete{
			TableName:                 aws.String(s.table),
			Key:                       key(ch.Identity()),
			ConditionExpression:       aws.String("#v = :expected"),
			ExpressionAttributeNames:  map[string]string{"#v": versionAttr},
			ExpressionAttributeValues: expected(ch.Expected),
		}}, nil
	}
	doc, err := document.Encode(s.serializer, ch.Snapshot, appVersion)
	if err != nil {
		return types.TransactWriteItem{}, err
	}
	av, err := attributevalue.MarshalMap(doc)
	if err != nil {
		return types.TransactWriteItem{}, fmt.Errorf("marshal %s: %w", ch.Identity(), err)
	}
	put := &types.Put{TableName: aws.String(s.table), Item: av}
	if ch.Status == entity.StatusNew {
		put.ConditionExpression = aws.String("attribute_not_exists(#id)")
		put.ExpressionAttributeNames = map[string]string{"#id": keyAttr}
	} else {
		put.ConditionExpression = aws.String("#v = :expected")
		put.ExpressionAttributeNames = map[string]string{"#v": versionAttr}
		put.ExpressionAttributeValues = expected(ch.Expected)
	}
	return types.TransactWriteItem{Put: put}, nil
}

func expected(v entity.Version) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{":expected": &types.AttributeValueMemberS{Value: string(v)}}
}

// EntityStates implements entity.StoreSPI. Scan pages are fetched as the
// iterator drains the previous one.
func (s *Store) EntityStates(ctx context.Context, module *entity.Module) (entity.StateIterator, error) {
	var (
		page    []map[string]types.AttributeValue
		start   map[string]types.AttributeValue
		started bool
	)
	return entity.NewFuncIterator(func() (*entity.State, bool, error) {
		for len(page) == 0 {
			if started && start == nil {
				return nil, false, nil
			}
			in := &dynamodb.ScanInput{
				TableName:         aws.String(s.table),
				ConsistentRead:    aws.Bool(true),
				ExclusiveStartKey: start,
			}
			if s.pageSize > 0 {
				in.Limit = aws.Int32(s.pageSize)
			}
			out, err := s.client.Scan(ctx, in)
			if err != nil {
				return nil, false, entity.NewStoreError(backendName, "scan", err)
			}
			started = true
			page = out.Items
			start = out.LastEvaluatedKey
		}
		raw := page[0]
		page = page[1:]
		var doc document.Document
		if err := attributevalue.UnmarshalMap(raw, &doc); err != nil {
			return nil, false, entity.NewStoreError(backendName, "decode", err)
		}
		st, err := s.decode(module, doc)
		if err != nil {
			return nil, false, err
		}
		return st, true, nil
	}, nil), nil
}

type committer struct {
	store   *Store
	uow     string
	changes []entity.Change
	items   []types.TransactWriteItem
	done    bool
}

func (c *committer) Commit(ctx context.Context) error {
	if c.done {
		return entity.NewStoreError(backendName, "commit", errors.New("batch already finished"))
	}
	c.done = true
	if len(c.items) == 0 {
		return nil
	}
	_, err := c.store.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: c.items})
	if err != nil {
		return c.mapError(err)
	}
	c.store.logger.Debug("dynamodb commit", "unit_of_work", c.uow, "changes", len(c.changes), "table", c.store.table)
	return nil
}

func (c *committer) Cancel() { c.done = true }

// mapError turns failed condition checks into the entity error taxonomy.
// Reasons are positional: reason i belongs to change i.
func (c *committer) mapError(err error) error {
	var txErr *types.TransactionCanceledException
	if !errors.As(err, &txErr) {
		return entity.NewStoreError(backendName, "commit", err)
	}
	var conflicts []entity.Identity
	var duplicate entity.Identity
	for i, reason := range txErr.CancellationReasons {
		if aws.ToString(reason.Code) != "ConditionalCheckFailed" || i >= len(c.changes) {
			continue
		}
		ch := c.changes[i]
		if ch.Status == entity.StatusNew {
			if duplicate == "" {
				duplicate = ch.Identity()
			}
			continue
		}
		conflicts = append(conflicts, ch.Identity())
	}
	switch {
	case len(conflicts) > 0:
		c.store.logger.Warn("dynamodb commit conflict", "unit_of_work", c.uow, "identities", conflicts)
		return &entity.ConcurrentModificationError{Identities: conflicts}
	case duplicate != "":
		return &entity.AlreadyExistsError{Identity: duplicate}
	}
	return entity.NewStoreError(backendName, "commit", err)
}
