// Package dynamo implements repository.Store on DynamoDB. A container is a
// table; a collection is a partition inside it, registered by a marker item.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"aivr-agent/internal/repository"
)

const (
	pkCollections   = "META#COLLECTIONS"
	pkPrefixColl    = "COLL#"
	attrValue       = "_value"
	attrExpires     = "_expires"
	condItemExists  = "attribute_exists(PK)"
	condItemAbsent  = "attribute_not_exists(PK)"
	defaultWaitTime = 2 * time.Minute
)

// dynamodbAPI is the minimal DynamoDB interface required by Store.
// Defined here for testability.
type dynamodbAPI interface {
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Store wraps a DynamoDB client as a document store.
type Store struct {
	api      dynamodbAPI
	waitTime time.Duration
}

type Option func(*Store)

// WithTableWait bounds how long CreateContainer waits for a new table to become
// active. Zero disables waiting.
func WithTableWait(d time.Duration) Option {
	return func(s *Store) {
		s.waitTime = d
	}
}

// New creates a new DynamoDB Store.
func New(api dynamodbAPI, opts ...Option) (*Store, error) {
	if api == nil {
		return nil, errors.New("dynamo: api must not be nil")
	}
	s := &Store{api: api, waitTime: defaultWaitTime}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// collPK returns the partition key holding a collection's items.
func collPK(name string) string {
	return pkPrefixColl + name
}

// LookupContainer checks that the table exists.
func (s *Store) LookupContainer(ctx context.Context, name string) (repository.Container, error) {
	if strings.TrimSpace(name) == "" {
		return repository.Container{}, repository.NewError(repository.KindOther, "LookupContainer", errors.New("table name must not be empty"))
	}
	_, err := s.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(name)})
	if err != nil {
		return repository.Container{}, classify("LookupContainer", err)
	}
	return repository.Container{Name: name}, nil
}

// CreateContainer creates an on-demand table keyed by PK/SK and waits for it
// to become active.
func (s *Store) CreateContainer(ctx context.Context, name string) (repository.Container, error) {
	_, err := s.api.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(name),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("PK"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("SK"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("PK"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("SK"), KeyType: types.KeyTypeRange},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		return repository.Container{}, classify("CreateContainer", err)
	}

	if s.waitTime > 0 {
		waiter := dynamodb.NewTableExistsWaiter(s.api)
		if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(name)}, s.waitTime); err != nil {
			return repository.Container{}, repository.NewError(repository.KindTransient, "CreateContainer", fmt.Errorf("wait for table %q: %w", name, err))
		}
	}
	return repository.Container{Name: name}, nil
}

// LookupCollection checks for the collection marker item.
func (s *Store) LookupCollection(ctx context.Context, c repository.Container, name string) (repository.Collection, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.Name),
		Key:            key(pkCollections, name),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return repository.Collection{}, classify("LookupCollection", err)
	}
	if out == nil || len(out.Item) == 0 {
		return repository.Collection{}, repository.NewError(repository.KindNotFound, "LookupCollection", fmt.Errorf("collection %q", name))
	}
	return repository.Collection{Container: c.Name, Name: name}, nil
}

// CreateCollection writes the collection marker item if it is absent.
func (s *Store) CreateCollection(ctx context.Context, c repository.Container, name string) (repository.Collection, error) {
	item := key(pkCollections, name)
	item["createdAt"] = &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)}

	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.Name),
		Item:                item,
		ConditionExpression: aws.String(condItemAbsent),
	})
	if err != nil {
		return repository.Collection{}, classifyConditional("CreateCollection", err, repository.KindAlreadyExists)
	}
	return repository.Collection{Container: c.Name, Name: name}, nil
}

// GetItem reads a document with strong consistency.
func (s *Store) GetItem(ctx context.Context, col repository.Collection, k string) (repository.Document, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(col.Container),
		Key:            key(collPK(col.Name), k),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return repository.Document{}, classify("GetItem", err)
	}
	if out == nil || len(out.Item) == 0 {
		return repository.Document{}, repository.NewError(repository.KindNotFound, "GetItem", fmt.Errorf("key %q", k))
	}
	doc, err := itemToDocument(out.Item)
	if err != nil {
		return repository.Document{}, repository.NewError(repository.KindOther, "GetItem", err)
	}
	return doc, nil
}

// UpdateItem replaces the document of an existing item. A missing item is
// reported as KindNotFound.
func (s *Store) UpdateItem(ctx context.Context, col repository.Collection, k string, doc repository.Document) error {
	in := &dynamodb.UpdateItemInput{
		TableName:           aws.String(col.Container),
		Key:                 key(collPK(col.Name), k),
		ConditionExpression: aws.String(condItemExists),
		ExpressionAttributeNames: map[string]string{
			"#v": attrValue,
			"#e": attrExpires,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberS{Value: doc.Value},
		},
	}
	if doc.ExpiresAt > 0 {
		in.UpdateExpression = aws.String("SET #v = :v, #e = :e")
		in.ExpressionAttributeValues[":e"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(doc.ExpiresAt, 10)}
	} else {
		in.UpdateExpression = aws.String("SET #v = :v REMOVE #e")
	}

	if _, err := s.api.UpdateItem(ctx, in); err != nil {
		return classifyConditional("UpdateItem", err, repository.KindNotFound)
	}
	return nil
}

// CreateItem writes a new item. An existing item is reported as KindAlreadyExists.
func (s *Store) CreateItem(ctx context.Context, col repository.Collection, k string, doc repository.Document) error {
	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(col.Container),
		Item:                documentItem(collPK(col.Name), k, doc),
		ConditionExpression: aws.String(condItemAbsent),
	})
	if err != nil {
		return classifyConditional("CreateItem", err, repository.KindAlreadyExists)
	}
	return nil
}

// DeleteItem removes an item. A missing item is reported as KindNotFound.
func (s *Store) DeleteItem(ctx context.Context, col repository.Collection, k string) error {
	_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(col.Container),
		Key:                 key(collPK(col.Name), k),
		ConditionExpression: aws.String(condItemExists),
	})
	if err != nil {
		return classifyConditional("DeleteItem", err, repository.KindNotFound)
	}
	return nil
}

// DeleteItemIfExpires deletes under a condition on the stored deadline, so a
// concurrent rewrite of the key survives.
func (s *Store) DeleteItemIfExpires(ctx context.Context, col repository.Collection, k string, expiresAt int64) error {
	_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                aws.String(col.Container),
		Key:                      key(collPK(col.Name), k),
		ConditionExpression:      aws.String("#e = :e"),
		ExpressionAttributeNames: map[string]string{"#e": attrExpires},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":e": &types.AttributeValueMemberN{Value: strconv.FormatInt(expiresAt, 10)},
		},
	})
	if err != nil {
		return classifyConditional("DeleteItemIfExpires", err, repository.KindNotFound)
	}
	return nil
}

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

func documentItem(pk, sk string, doc repository.Document) map[string]types.AttributeValue {
	item := key(pk, sk)
	item[attrValue] = &types.AttributeValueMemberS{Value: doc.Value}
	if doc.ExpiresAt > 0 {
		item[attrExpires] = &types.AttributeValueMemberN{Value: strconv.FormatInt(doc.ExpiresAt, 10)}
	}
	return item
}

// itemToDocument converts a DynamoDB attribute map to a Document.
func itemToDocument(item map[string]types.AttributeValue) (repository.Document, error) {
	v, ok := item[attrValue]
	if !ok {
		return repository.Document{}, fmt.Errorf("dynamo: missing attribute %q", attrValue)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return repository.Document{}, fmt.Errorf("dynamo: attribute %q is not a string", attrValue)
	}
	doc := repository.Document{Value: s.Value}

	e, ok := item[attrExpires]
	if !ok {
		return doc, nil
	}
	n, ok := e.(*types.AttributeValueMemberN)
	if !ok {
		return repository.Document{}, fmt.Errorf("dynamo: attribute %q is not a number", attrExpires)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return repository.Document{}, fmt.Errorf("dynamo: parse attribute %q: %w", attrExpires, err)
	}
	doc.ExpiresAt = parsed
	return doc, nil
}

// classifyConditional maps a failed condition expression to kind and any
// other failure through classify.
func classifyConditional(op string, err error, kind repository.Kind) error {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return repository.NewError(kind, op, err)
	}
	return classify(op, err)
}

func classify(op string, err error) error {
	var (
		notFound *types.ResourceNotFoundException
		inUse    *types.ResourceInUseException
	)
	switch {
	case errors.As(err, &notFound):
		return repository.NewError(repository.KindNotFound, op, err)
	case errors.As(err, &inUse):
		return repository.NewError(repository.KindAlreadyExists, op, err)
	default:
		return repository.NewError(repository.KindTransient, op, err)
	}
}
