package dynamo

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"aivr-agent/internal/repository"
)

type fakeDynamo struct {
	describeErr   error
	createErr     error
	getOut        *dynamodb.GetItemOutput
	getErr        error
	putErr        error
	updateErr     error
	deleteErr     error
	lastCreateIn  *dynamodb.CreateTableInput
	lastGetInput  *dynamodb.GetItemInput
	lastPutInput  *dynamodb.PutItemInput
	lastUpdateIn  *dynamodb.UpdateItemInput
	lastDeleteIn  *dynamodb.DeleteItemInput
	describeCalls int
}

func (f *fakeDynamo) DescribeTable(_ context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	f.describeCalls++
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	return &dynamodb.DescribeTableOutput{Table: &types.TableDescription{TableName: in.TableName, TableStatus: types.TableStatusActive}}, nil
}

func (f *fakeDynamo) CreateTable(_ context.Context, in *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.lastCreateIn = in
	return &dynamodb.CreateTableOutput{}, f.createErr
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGetInput = in
	return f.getOut, f.getErr
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPutInput = in
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.lastUpdateIn = in
	return &dynamodb.UpdateItemOutput{}, f.updateErr
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.lastDeleteIn = in
	return &dynamodb.DeleteItemOutput{}, f.deleteErr
}

var testCol = repository.Collection{Container: "test-table", Name: "aivr_storage"}

func mustNewStore(t *testing.T, db *fakeDynamo) *Store {
	t.Helper()
	s, err := New(db, WithTableWait(0))
	require.NoError(t, err)
	return s
}

func conditionFailed() error {
	return &types.ConditionalCheckFailedException{Message: new(string)}
}

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be nil")
}

func TestLookupContainer_MissingTable(t *testing.T) {
	db := &fakeDynamo{describeErr: &types.ResourceNotFoundException{}}
	s := mustNewStore(t, db)
	_, err := s.LookupContainer(context.Background(), "test-table")
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestLookupContainer_EmptyName(t *testing.T) {
	s := mustNewStore(t, &fakeDynamo{})
	_, err := s.LookupContainer(context.Background(), " ")
	require.Error(t, err)
	require.Equal(t, repository.KindOther, repository.KindOf(err))
}

func TestCreateContainer_KeySchema(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNewStore(t, db)
	c, err := s.CreateContainer(context.Background(), "test-table")
	require.NoError(t, err)
	require.Equal(t, "test-table", c.Name)
	require.Equal(t, types.BillingModePayPerRequest, db.lastCreateIn.BillingMode)
	require.Len(t, db.lastCreateIn.KeySchema, 2)
}

func TestCreateContainer_AlreadyCreatedByPeer(t *testing.T) {
	db := &fakeDynamo{createErr: &types.ResourceInUseException{}}
	s := mustNewStore(t, db)
	_, err := s.CreateContainer(context.Background(), "test-table")
	require.ErrorIs(t, err, repository.ErrAlreadyExists)
}

func TestCreateContainer_WaitsForActiveTable(t *testing.T) {
	db := &fakeDynamo{}
	s, err := New(db)
	require.NoError(t, err)
	_, err = s.CreateContainer(context.Background(), "test-table")
	require.NoError(t, err)
	require.Equal(t, 1, db.describeCalls)
}

func TestResolveOrCreateContainer_CreatesMissingTable(t *testing.T) {
	db := &fakeDynamo{describeErr: &types.ResourceNotFoundException{}}
	s := mustNewStore(t, db)
	c, err := repository.ResolveOrCreateContainer(context.Background(), s, "test-table")
	require.NoError(t, err)
	require.Equal(t, "test-table", c.Name)
	require.NotNil(t, db.lastCreateIn)
}

func TestLookupCollection_MissingMarker(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{}}
	s := mustNewStore(t, db)
	_, err := s.LookupCollection(context.Background(), repository.Container{Name: "test-table"}, "aivr_storage")
	require.ErrorIs(t, err, repository.ErrNotFound)
	require.Equal(t, pkCollections, db.lastGetInput.Key["PK"].(*types.AttributeValueMemberS).Value)
}

func TestCreateCollection_DuplicateIsAlreadyExists(t *testing.T) {
	db := &fakeDynamo{putErr: conditionFailed()}
	s := mustNewStore(t, db)
	_, err := s.CreateCollection(context.Background(), repository.Container{Name: "test-table"}, "aivr_storage")
	require.ErrorIs(t, err, repository.ErrAlreadyExists)
	require.Equal(t, condItemAbsent, *db.lastPutInput.ConditionExpression)
}

func TestGetItem_HappyPath(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: documentItem(collPK("aivr_storage"), "k", repository.Document{Value: "true", ExpiresAt: 1700000000000})}}
	s := mustNewStore(t, db)
	doc, err := s.GetItem(context.Background(), testCol, "k")
	require.NoError(t, err)
	require.Equal(t, repository.Document{Value: "true", ExpiresAt: 1700000000000}, doc)
	require.True(t, *db.lastGetInput.ConsistentRead)
	require.Equal(t, "COLL#aivr_storage", db.lastGetInput.Key["PK"].(*types.AttributeValueMemberS).Value)
}

func TestGetItem_NoExpiry(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: documentItem("COLL#x", "k", repository.Document{Value: "v"})}}
	s := mustNewStore(t, db)
	doc, err := s.GetItem(context.Background(), testCol, "k")
	require.NoError(t, err)
	require.Zero(t, doc.ExpiresAt)
}

func TestGetItem_Missing(t *testing.T) {
	s := mustNewStore(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{}})
	_, err := s.GetItem(context.Background(), testCol, "k")
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestGetItem_MalformedExpiry(t *testing.T) {
	item := key("COLL#x", "k")
	item[attrValue] = &types.AttributeValueMemberS{Value: "v"}
	item[attrExpires] = &types.AttributeValueMemberS{Value: "soon"}
	s := mustNewStore(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: item}})
	_, err := s.GetItem(context.Background(), testCol, "k")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not a number")
	require.Equal(t, repository.KindOther, repository.KindOf(err))
}

func TestGetItem_NetworkErrorIsTransient(t *testing.T) {
	s := mustNewStore(t, &fakeDynamo{getErr: errors.New("dial tcp: timeout")})
	_, err := s.GetItem(context.Background(), testCol, "k")
	require.ErrorIs(t, err, repository.ErrTransient)
	require.Contains(t, err.Error(), "GetItem")
}

func TestUpdateItem_WithExpiry(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNewStore(t, db)
	err := s.UpdateItem(context.Background(), testCol, "k", repository.Document{Value: "v", ExpiresAt: 42})
	require.NoError(t, err)
	require.Equal(t, "SET #v = :v, #e = :e", *db.lastUpdateIn.UpdateExpression)
	require.Equal(t, "42", db.lastUpdateIn.ExpressionAttributeValues[":e"].(*types.AttributeValueMemberN).Value)
	require.Equal(t, condItemExists, *db.lastUpdateIn.ConditionExpression)
}

func TestUpdateItem_WithoutExpiryRemovesDeadline(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNewStore(t, db)
	require.NoError(t, s.UpdateItem(context.Background(), testCol, "k", repository.Document{Value: "v"}))
	require.Equal(t, "SET #v = :v REMOVE #e", *db.lastUpdateIn.UpdateExpression)
	require.NotContains(t, db.lastUpdateIn.ExpressionAttributeValues, ":e")
}

func TestUpdateItem_MissingItem(t *testing.T) {
	s := mustNewStore(t, &fakeDynamo{updateErr: conditionFailed()})
	err := s.UpdateItem(context.Background(), testCol, "k", repository.Document{Value: "v"})
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestCreateItem_Conflict(t *testing.T) {
	db := &fakeDynamo{putErr: conditionFailed()}
	s := mustNewStore(t, db)
	err := s.CreateItem(context.Background(), testCol, "k", repository.Document{Value: "v"})
	require.ErrorIs(t, err, repository.ErrAlreadyExists)
	require.Equal(t, "v", db.lastPutInput.Item[attrValue].(*types.AttributeValueMemberS).Value)
	require.NotContains(t, db.lastPutInput.Item, attrExpires)
}

func TestDeleteItem_MissingItem(t *testing.T) {
	db := &fakeDynamo{deleteErr: conditionFailed()}
	s := mustNewStore(t, db)
	err := s.DeleteItem(context.Background(), testCol, "k")
	require.ErrorIs(t, err, repository.ErrNotFound)
	require.Equal(t, "k", db.lastDeleteIn.Key["SK"].(*types.AttributeValueMemberS).Value)
}

func TestDeleteItem_ThrottledIsTransient(t *testing.T) {
	s := mustNewStore(t, &fakeDynamo{deleteErr: &types.ProvisionedThroughputExceededException{}})
	err := s.DeleteItem(context.Background(), testCol, "k")
	require.ErrorIs(t, err, repository.ErrTransient)
}

func TestDeleteItemIfExpires_ConditionOnDeadline(t *testing.T) {
	db := &fakeDynamo{}
	s := mustNewStore(t, db)
	require.NoError(t, s.DeleteItemIfExpires(context.Background(), testCol, "k", 1700000000000))

	in := db.lastDeleteIn
	require.Equal(t, "#e = :e", *in.ConditionExpression)
	require.Equal(t, attrExpires, in.ExpressionAttributeNames["#e"])
	require.Equal(t, "1700000000000", in.ExpressionAttributeValues[":e"].(*types.AttributeValueMemberN).Value)
}

func TestDeleteItemIfExpires_RewrittenItem(t *testing.T) {
	s := mustNewStore(t, &fakeDynamo{deleteErr: conditionFailed()})
	err := s.DeleteItemIfExpires(context.Background(), testCol, "k", 1)
	require.ErrorIs(t, err, repository.ErrNotFound)
}
