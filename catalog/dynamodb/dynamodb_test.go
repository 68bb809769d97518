package dynamodb

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/him/catalog"
	"github.com/hupe1980/him/catalog/catalogtest"
	"github.com/hupe1980/him/model"
)

// fakeTable is an in-memory DynamoDB table that understands the expressions
// the catalog issues. Pages hold at most pageSize items.
type fakeTable struct {
	mu       sync.Mutex
	items    map[[2]string]map[string]types.AttributeValue
	pageSize int
}

func newFakeTable() *fakeTable {
	return &fakeTable{items: make(map[[2]string]map[string]types.AttributeValue), pageSize: 3}
}

func str(av types.AttributeValue) string {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		return v.Value
	case *types.AttributeValueMemberN:
		return v.Value
	default:
		return ""
	}
}

func itemKey(item map[string]types.AttributeValue) [2]string {
	return [2]string{str(item[attrPK]), str(item[attrSK])}
}

func (f *fakeTable) check(k [2]string, cond *string, values map[string]types.AttributeValue) error {
	existing, ok := f.items[k]
	switch aws.ToString(cond) {
	case "":
		return nil
	case condNotExists:
		if !ok {
			return nil
		}
	case condRevision:
		if ok && str(existing[attrRev]) == str(values[":rev"]) {
			return nil
		}
	default:
		return fmt.Errorf("unsupported condition %q", aws.ToString(cond))
	}
	return &types.ConditionalCheckFailedException{Message: aws.String("condition failed")}
}

func (f *fakeTable) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: maps.Clone(f.items[itemKey(in.Key)])}, nil
}

func (f *fakeTable) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := itemKey(in.Item)
	if err := f.check(k, in.ConditionExpression, in.ExpressionAttributeValues); err != nil {
		return nil, err
	}
	f.items[k] = maps.Clone(in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeTable) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(in.TransactItems) > 100 {
		return nil, fmt.Errorf("transaction of %d items exceeds 100", len(in.TransactItems))
	}
	for _, it := range in.TransactItems {
		if it.Put != nil {
			if err := f.check(itemKey(it.Put.Item), it.Put.ConditionExpression, it.Put.ExpressionAttributeValues); err != nil {
				return nil, &types.TransactionCanceledException{Message: aws.String(err.Error())}
			}
		}
	}
	for _, it := range in.TransactItems {
		switch {
		case it.Put != nil:
			f.items[itemKey(it.Put.Item)] = maps.Clone(it.Put.Item)
		case it.Delete != nil:
			delete(f.items, itemKey(it.Delete.Key))
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

// page sorts keys, skips past start and cuts a page of at most limit keys.
func (f *fakeTable) page(keys [][2]string, forward bool, start map[string]types.AttributeValue, limit *int32) ([]map[string]types.AttributeValue, map[string]types.AttributeValue) {
	compare := func(a, b [2]string) int { return cmp.Or(cmp.Compare(a[0], b[0]), cmp.Compare(a[1], b[1])) }
	slices.SortFunc(keys, func(a, b [2]string) int {
		if forward {
			return compare(a, b)
		}
		return compare(b, a)
	})
	if len(start) > 0 {
		s := itemKey(start)
		keys = slices.DeleteFunc(keys, func(k [2]string) bool {
			if forward {
				return compare(k, s) <= 0
			}
			return compare(k, s) >= 0
		})
	}
	n := f.pageSize
	if limit != nil && int(*limit) < n {
		n = int(*limit)
	}
	var last map[string]types.AttributeValue
	if len(keys) > n {
		keys = keys[:n]
		last = key(keys[n-1][0], keys[n-1][1])
	}
	out := make([]map[string]types.AttributeValue, len(keys))
	for i, k := range keys {
		out[i] = maps.Clone(f.items[k])
	}
	return out, last
}

func (f *fakeTable) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	pk := str(in.ExpressionAttributeValues[":pk"])
	var after *string
	switch aws.ToString(in.KeyConditionExpression) {
	case keyPartition:
	case keyPartitionAft:
		after = aws.String(str(in.ExpressionAttributeValues[":sk"]))
	default:
		return nil, fmt.Errorf("unsupported key condition %q", aws.ToString(in.KeyConditionExpression))
	}

	var keys [][2]string
	for k := range f.items {
		if k[0] == pk && (after == nil || k[1] > *after) {
			keys = append(keys, k)
		}
	}
	items, last := f.page(keys, aws.ToBool(in.ScanIndexForward) || in.ScanIndexForward == nil, in.ExclusiveStartKey, in.Limit)
	return &dynamodb.QueryOutput{Items: items, LastEvaluatedKey: last}, nil
}

func (f *fakeTable) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if aws.ToString(in.FilterExpression) != filterPKPrefix {
		return nil, fmt.Errorf("unsupported filter %q", aws.ToString(in.FilterExpression))
	}
	prefix := str(in.ExpressionAttributeValues[":prefix"])
	var keys [][2]string
	for k := range f.items {
		keys = append(keys, k)
	}
	// Like DynamoDB, the filter runs after the page is cut.
	items, last := f.page(keys, true, in.ExclusiveStartKey, in.Limit)
	items = slices.DeleteFunc(items, func(it map[string]types.AttributeValue) bool {
		return !strings.HasPrefix(str(it[attrPK]), prefix)
	})
	return &dynamodb.ScanOutput{Items: items, LastEvaluatedKey: last}, nil
}

func TestCatalog_Conformance(t *testing.T) {
	catalogtest.Run(t, func(t *testing.T) catalog.Catalog {
		c, err := New(newFakeTable(), "him-catalog")
		require.NoError(t, err)
		return c
	})
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, "t")
	require.Error(t, err)
	_, err = New(newFakeTable(), "")
	require.Error(t, err)
}

func TestListTiles_AllSnapshots(t *testing.T) {
	ctx := context.Background()
	c, err := New(newFakeTable(), "him-catalog")
	require.NoError(t, err)

	require.NoError(t, c.CreateSnapshot(ctx, catalogtest.Snapshot("s1")))
	for i := range 4 {
		require.NoError(t, c.UpsertTile(ctx, catalogtest.Tile("s1", "kv", 0, i, 0)))
		require.NoError(t, c.UpsertTile(ctx, catalogtest.Tile("s2", "kv", 1, i, 0)))
	}
	_, err = c.AppendHints(ctx, []model.QueryHint{{QueryID: "q"}})
	require.NoError(t, err)

	all, err := c.ListTiles(ctx, catalog.TileFilter{})
	require.NoError(t, err)
	require.Len(t, all, 8)
	assert.Equal(t, 0, all[0].Level)
	assert.Equal(t, 1, all[7].Level)

	l1 := model.LevelRange{Max: 1, Min: 1}
	some, err := c.ListTiles(ctx, catalog.TileFilter{Levels: &l1})
	require.NoError(t, err)
	assert.Len(t, some, 4)
}

func TestAppendHints_Chunks(t *testing.T) {
	ctx := context.Background()
	c, err := New(newFakeTable(), "him-catalog")
	require.NoError(t, err)

	hints := make([]model.QueryHint, 250)
	for i := range hints {
		hints[i] = model.QueryHint{QueryID: fmt.Sprintf("q%03d", i), SnapshotID: "s1"}
	}
	stored, err := c.AppendHints(ctx, hints)
	require.NoError(t, err)
	require.Len(t, stored, 250)
	for i, h := range stored {
		assert.Equal(t, uint64(i+1), h.Seq)
	}

	page, err := c.ScanHints(ctx, 240, 0)
	require.NoError(t, err)
	require.Len(t, page, 10)
	assert.Equal(t, "q240", page[0].QueryID)

	recent, err := c.RecentHints(ctx, catalog.HintFilter{SnapshotID: "s1"}, 5)
	require.NoError(t, err)
	require.Len(t, recent, 5)
	assert.Equal(t, "q245", recent[0].QueryID)
	assert.Equal(t, "q249", recent[4].QueryID)
}

// conflicting rejects every conditional write.
type conflicting struct{ *fakeTable }

func (c conflicting) PutItem(context.Context, *dynamodb.PutItemInput, ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	return nil, &types.ConditionalCheckFailedException{Message: aws.String("busy")}
}

func TestRecordAccess_GivesUpAfterRetries(t *testing.T) {
	ctx := context.Background()
	table := newFakeTable()
	c, err := New(conflicting{table}, "him-catalog", WithMaxRetries(2))
	require.NoError(t, err)

	m := catalogtest.Tile("s1", "kv", 0, 0, 0)
	require.NoError(t, c.UpsertTile(ctx, m))

	_, err = c.RecordAccess(ctx, m.TileID, m.CreatedAt)
	require.ErrorIs(t, err, ErrConcurrentModification)

	got, err := c.LookupTile(ctx, m.TileID)
	require.NoError(t, err)
	assert.Zero(t, got.AccessCount)
}

func TestCreateSnapshot_Conflict(t *testing.T) {
	ctx := context.Background()
	c, err := New(newFakeTable(), "him-catalog")
	require.NoError(t, err)

	require.NoError(t, c.CreateSnapshot(ctx, catalogtest.Snapshot("s1")))
	require.ErrorIs(t, c.CreateSnapshot(ctx, catalogtest.Snapshot("s1")), catalog.ErrExists)
}
