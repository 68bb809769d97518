// Package dynamodb implements catalog.Catalog on a single DynamoDB table, so
// tile store processes sharing an S3 or MinIO payload bucket also share one
// metadata index.
//
// Rows are optimistic: each carries a revision and writes are conditional
// on the revision that was read. Conflicting writers retry.
//
// Table schema:
//   - Partition key: pk (string)
//   - Sort key: sk (string)
//
// Create table with:
//
//	aws dynamodb create-table \
//	  --table-name him-catalog \
//	  --attribute-definitions AttributeName=pk,AttributeType=S AttributeName=sk,AttributeType=S \
//	  --key-schema AttributeName=pk,KeyType=HASH AttributeName=sk,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/hupe1980/him/catalog"
	"github.com/hupe1980/him/codec"
	"github.com/hupe1980/him/model"
)

// Client is the subset of *dynamodb.Client used by Catalog.
type Client interface {
	dynamodb.QueryAPIClient
	dynamodb.ScanAPIClient
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

var _ Client = (*dynamodb.Client)(nil)

const (
	attrPK   = "pk"
	attrSK   = "sk"
	attrData = "data"
	attrRev  = "rev"

	pkSnapshots = "SNAPSHOTS"
	pkHints     = "HINTS"
	pkHintSeq   = "HINTSEQ"
	pkRevisions = "REVISIONS"
	pkTilePref  = "SNAP#"
	pkIDPref    = "TILE#"
	skSingle    = "-"

	// The only expression forms issued.
	condNotExists   = "attribute_not_exists(pk)"
	condRevision    = "#rev = :rev"
	keyPartition    = "pk = :pk"
	keyPartitionAft = "pk = :pk AND sk > :sk"
	filterPKPrefix  = "begins_with(pk, :prefix)"

	// maxHintsPerTxn leaves room for the sequence counter in a 100 item
	// transaction.
	maxHintsPerTxn = 99
)

// ErrConcurrentModification is returned when a write still conflicts after
// all retries. It wraps catalog.ErrConflict.
var ErrConcurrentModification = fmt.Errorf("dynamodb: concurrent modification: %w", catalog.ErrConflict)

// Option configures a Catalog.
type Option func(*Catalog)

// WithCodec sets the codec for stored rows.
func WithCodec(c codec.Codec) Option {
	return func(cat *Catalog) {
		if c != nil {
			cat.codec = c
		}
	}
}

// WithMaxRetries sets how often a conflicting write is retried.
// Default: 32
func WithMaxRetries(n int) Option {
	return func(cat *Catalog) {
		if n >= 0 {
			cat.retries = n
		}
	}
}

// Catalog is a catalog.Catalog backed by DynamoDB.
type Catalog struct {
	client  Client
	table   string
	codec   codec.Codec
	retries int
	closed  atomic.Bool
}

var _ catalog.Catalog = (*Catalog)(nil)

// New creates a catalog on an existing table. The client is not owned by
// the catalog.
func New(client Client, table string, optFns ...Option) (*Catalog, error) {
	if client == nil {
		return nil, errors.New("dynamodb client is required")
	}
	if table == "" {
		return nil, errors.New("dynamodb table name is required")
	}
	c := &Catalog{client: client, table: table, codec: codec.Default, retries: 32}
	for _, fn := range optFns {
		fn(c)
	}
	return c, nil
}

// Close marks the catalog closed.
func (c *Catalog) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *Catalog) checkOpen() error {
	if c.closed.Load() {
		return catalog.ErrClosed
	}
	return nil
}

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrPK: &types.AttributeValueMemberS{Value: pk},
		attrSK: &types.AttributeValueMemberS{Value: sk},
	}
}

func tilePK(snapshotID string) string { return pkTilePref + snapshotID }

func tileSK(k model.TileKey) string {
	return k.Stream + "#" + strconv.Itoa(k.Level) + "#" + strconv.Itoa(k.X) + "#" + strconv.Itoa(k.Y)
}

func idPK(tileID string) string { return pkIDPref + tileID }

func hintSK(seq uint64) string { return fmt.Sprintf("%020d", seq) }

func (c *Catalog) item(pk, sk string, v any, rev int64) (map[string]types.AttributeValue, error) {
	data, err := c.codec.Marshal(v)
	if err != nil {
		return nil, err
	}
	it := key(pk, sk)
	it[attrData] = &types.AttributeValueMemberB{Value: data}
	it[attrRev] = &types.AttributeValueMemberN{Value: strconv.FormatInt(rev, 10)}
	return it, nil
}

func (c *Catalog) decode(item map[string]types.AttributeValue, v any) (int64, error) {
	data, ok := item[attrData].(*types.AttributeValueMemberB)
	if !ok {
		return 0, errors.New("dynamodb: item has no data attribute")
	}
	if err := c.codec.Unmarshal(data.Value, v); err != nil {
		return 0, err
	}
	var rev int64
	if n, ok := item[attrRev].(*types.AttributeValueMemberN); ok {
		rev, _ = strconv.ParseInt(n.Value, 10, 64)
	}
	return rev, nil
}

// get loads the row at (pk, sk) into v and returns its revision.
func (c *Catalog) get(ctx context.Context, pk, sk string, v any) (int64, error) {
	out, err := c.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.table),
		Key:            key(pk, sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, fmt.Errorf("get %s/%s: %w", pk, sk, err)
	}
	if len(out.Item) == 0 {
		return 0, catalog.ErrNotFound
	}
	return c.decode(out.Item, v)
}

// expect makes a write conditional on the row still having revision rev
// (rev 0: the row must not exist).
func expect(rev int64) (*string, map[string]string, map[string]types.AttributeValue) {
	if rev == 0 {
		return aws.String(condNotExists), nil, nil
	}
	return aws.String(condRevision),
		map[string]string{"#rev": attrRev},
		map[string]types.AttributeValue{":rev": &types.AttributeValueMemberN{Value: strconv.FormatInt(rev, 10)}}
}

func (c *Catalog) put(pk, sk string, v any, rev int64) (*types.Put, error) {
	it, err := c.item(pk, sk, v, rev+1)
	if err != nil {
		return nil, err
	}
	cond, names, values := expect(rev)
	return &types.Put{
		TableName:                 aws.String(c.table),
		Item:                      it,
		ConditionExpression:       cond,
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	}, nil
}

func isConflict(err error) bool {
	var cond *types.ConditionalCheckFailedException
	var txn *types.TransactionCanceledException
	return errors.As(err, &cond) || errors.As(err, &txn)
}

// retry runs fn until it does not conflict, backing off between attempts.
func (c *Catalog) retry(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !isConflict(err) {
			return err
		}
		if attempt >= c.retries {
			return fmt.Errorf("%w: %v", ErrConcurrentModification, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(min(attempt+1, 20)) * time.Millisecond):
		}
	}
}

func (c *Catalog) putItem(ctx context.Context, p *types.Put) error {
	_, err := c.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 p.TableName,
		Item:                      p.Item,
		ConditionExpression:       p.ConditionExpression,
		ExpressionAttributeNames:  p.ExpressionAttributeNames,
		ExpressionAttributeValues: p.ExpressionAttributeValues,
	})
	return err
}

func (c *Catalog) transact(ctx context.Context, items []types.TransactWriteItem) error {
	_, err := c.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	return err
}

// query walks all pages of in, calling fn per item until fn returns false.
func (c *Catalog) query(ctx context.Context, in *dynamodb.QueryInput, fn func(map[string]types.AttributeValue) (bool, error)) error {
	p := dynamodb.NewQueryPaginator(c.client, in)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		for _, it := range page.Items {
			more, err := fn(it)
			if err != nil {
				return err
			}
			if !more {
				return nil
			}
		}
	}
	return nil
}

func (c *Catalog) partition(pk string, forward bool) *dynamodb.QueryInput {
	return &dynamodb.QueryInput{
		TableName:                 aws.String(c.table),
		KeyConditionExpression:    aws.String(keyPartition),
		ExpressionAttributeValues: map[string]types.AttributeValue{":pk": &types.AttributeValueMemberS{Value: pk}},
		ScanIndexForward:          aws.Bool(forward),
		ConsistentRead:            aws.Bool(true),
	}
}

func (c *Catalog) CreateSnapshot(ctx context.Context, s model.Snapshot) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	p, err := c.put(pkSnapshots, s.SnapshotID, s, 0)
	if err != nil {
		return err
	}
	_, err = c.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           p.TableName,
		Item:                p.Item,
		ConditionExpression: p.ConditionExpression,
	})
	if isConflict(err) {
		return catalog.ErrExists
	}
	if err != nil {
		return fmt.Errorf("put snapshot %s: %w", s.SnapshotID, err)
	}
	return nil
}

func (c *Catalog) GetSnapshot(ctx context.Context, id string) (model.Snapshot, error) {
	if err := c.checkOpen(); err != nil {
		return model.Snapshot{}, err
	}
	var s model.Snapshot
	if _, err := c.get(ctx, pkSnapshots, id, &s); err != nil {
		return model.Snapshot{}, err
	}
	return s, nil
}

func (c *Catalog) ListSnapshots(ctx context.Context, limit int) ([]model.Snapshot, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	var out []model.Snapshot
	err := c.query(ctx, c.partition(pkSnapshots, true), func(it map[string]types.AttributeValue) (bool, error) {
		var s model.Snapshot
		if _, err := c.decode(it, &s); err != nil {
			return false, err
		}
		out = append(out, s)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, catalog.CompareSnapshots)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// lookupID resolves a tile id to its row and the row's revision. An index
// entry left behind by a concurrent replace reads as not found.
func (c *Catalog) lookupID(ctx context.Context, tileID string) (model.TileMeta, int64, error) {
	var k model.TileKey
	if _, err := c.get(ctx, idPK(tileID), skSingle, &k); err != nil {
		return model.TileMeta{}, 0, err
	}
	var m model.TileMeta
	rev, err := c.get(ctx, tilePK(k.SnapshotID), tileSK(k), &m)
	if err != nil {
		return model.TileMeta{}, 0, err
	}
	if m.TileID != tileID {
		return model.TileMeta{}, 0, catalog.ErrNotFound
	}
	return m, rev, nil
}

func (c *Catalog) LookupTile(ctx context.Context, tileID string) (model.TileMeta, error) {
	if err := c.checkOpen(); err != nil {
		return model.TileMeta{}, err
	}
	m, _, err := c.lookupID(ctx, tileID)
	return m, err
}

func (c *Catalog) LookupKey(ctx context.Context, k model.TileKey) (model.TileMeta, error) {
	if err := c.checkOpen(); err != nil {
		return model.TileMeta{}, err
	}
	var m model.TileMeta
	if _, err := c.get(ctx, tilePK(k.SnapshotID), tileSK(k), &m); err != nil {
		return model.TileMeta{}, err
	}
	return m, nil
}

func (c *Catalog) UpsertTile(ctx context.Context, m model.TileMeta) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	err := c.retry(ctx, func() error {
		var old model.TileMeta
		rev, err := c.get(ctx, tilePK(m.SnapshotID), tileSK(m.TileKey), &old)
		if err != nil && !errors.Is(err, catalog.ErrNotFound) {
			return err
		}

		next := m
		if rev > 0 {
			next.AccessCount, next.LastAccess = old.AccessCount, old.LastAccess
		}
		items, err := c.tileWrite(next, rev)
		if err != nil {
			return err
		}
		if rev > 0 && old.TileID != m.TileID {
			items = append(items, types.TransactWriteItem{Delete: &types.Delete{
				TableName: aws.String(c.table),
				Key:       key(idPK(old.TileID), skSingle),
			}})
		}
		return c.transact(ctx, items)
	})
	if err != nil {
		return err
	}
	return c.bumpRevision(ctx, m.SnapshotID)
}

func (c *Catalog) InsertTile(ctx context.Context, m model.TileMeta) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	items, err := c.tileWrite(m, 0)
	if err != nil {
		return err
	}
	if err := c.transact(ctx, items); err != nil {
		if isConflict(err) {
			return catalog.ErrExists
		}
		return err
	}
	return c.bumpRevision(ctx, m.SnapshotID)
}

type tileRevision struct {
	SnapshotID string `json:"snapshot_id"`
}

// bumpRevision runs after the tile write commits, so a reader that sees the
// old revision lists the rows afterwards and finds the write anyway. The row
// revision is the counter.
func (c *Catalog) bumpRevision(ctx context.Context, snapshotID string) error {
	return c.retry(ctx, func() error {
		var r tileRevision
		rev, err := c.get(ctx, pkRevisions, snapshotID, &r)
		if err != nil && !errors.Is(err, catalog.ErrNotFound) {
			return err
		}
		p, err := c.put(pkRevisions, snapshotID, tileRevision{SnapshotID: snapshotID}, rev)
		if err != nil {
			return err
		}
		return c.putItem(ctx, p)
	})
}

func (c *Catalog) TileRevision(ctx context.Context, snapshotID string) (uint64, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}
	var r tileRevision
	rev, err := c.get(ctx, pkRevisions, snapshotID, &r)
	if errors.Is(err, catalog.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return uint64(rev), nil
}

// tileWrite puts the coordinate row of m, conditional on revision rev, and
// its tile id index row.
func (c *Catalog) tileWrite(m model.TileMeta, rev int64) ([]types.TransactWriteItem, error) {
	row, err := c.put(tilePK(m.SnapshotID), tileSK(m.TileKey), m, rev)
	if err != nil {
		return nil, err
	}
	idRow, err := c.item(idPK(m.TileID), skSingle, m.TileKey, 1)
	if err != nil {
		return nil, err
	}
	return []types.TransactWriteItem{
		{Put: row},
		{Put: &types.Put{TableName: aws.String(c.table), Item: idRow}},
	}, nil
}

func (c *Catalog) ListTiles(ctx context.Context, f catalog.TileFilter) ([]model.TileMeta, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	out := []model.TileMeta{}
	collect := func(it map[string]types.AttributeValue) (bool, error) {
		var m model.TileMeta
		if _, err := c.decode(it, &m); err != nil {
			return false, err
		}
		if f.Match(m) {
			out = append(out, m)
		}
		return true, nil
	}

	if f.SnapshotID != "" {
		if err := c.query(ctx, c.partition(tilePK(f.SnapshotID), true), collect); err != nil {
			return nil, err
		}
	} else if err := c.scanTiles(ctx, collect); err != nil {
		return nil, err
	}
	catalog.SortTiles(out)
	return out, nil
}

func (c *Catalog) scanTiles(ctx context.Context, fn func(map[string]types.AttributeValue) (bool, error)) error {
	p := dynamodb.NewScanPaginator(c.client, &dynamodb.ScanInput{
		TableName:                 aws.String(c.table),
		FilterExpression:          aws.String(filterPKPrefix),
		ExpressionAttributeValues: map[string]types.AttributeValue{":prefix": &types.AttributeValueMemberS{Value: pkTilePref}},
		ConsistentRead:            aws.Bool(true),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		for _, it := range page.Items {
			if _, err := fn(it); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Catalog) GetTiles(ctx context.Context, ids []string) ([]model.TileMeta, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	out := make([]model.TileMeta, 0, len(ids))
	for _, id := range ids {
		m, _, err := c.lookupID(ctx, id)
		if errors.Is(err, catalog.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (c *Catalog) RecordAccess(ctx context.Context, tileID string, at time.Time) (model.TileMeta, error) {
	if err := c.checkOpen(); err != nil {
		return model.TileMeta{}, err
	}
	var m model.TileMeta
	err := c.retry(ctx, func() error {
		var rev int64
		var err error
		m, rev, err = c.lookupID(ctx, tileID)
		if err != nil {
			return err
		}
		m.AccessCount++
		at := at.UTC()
		m.LastAccess = &at

		p, err := c.put(tilePK(m.SnapshotID), tileSK(m.TileKey), m, rev)
		if err != nil {
			return err
		}
		return c.putItem(ctx, p)
	})
	if err != nil {
		return model.TileMeta{}, err
	}
	return m, nil
}

type hintCounter struct {
	Seq uint64 `json:"seq"`
}

func (c *Catalog) AppendHints(ctx context.Context, hints []model.QueryHint) ([]model.QueryHint, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	out := make([]model.QueryHint, 0, len(hints))
	for chunk := range slices.Chunk(hints, maxHintsPerTxn) {
		stored, err := c.appendChunk(ctx, chunk)
		if err != nil {
			return nil, err
		}
		out = append(out, stored...)
	}
	return out, nil
}

// appendChunk reserves a range of sequence numbers and writes the hints in
// the same transaction.
func (c *Catalog) appendChunk(ctx context.Context, hints []model.QueryHint) ([]model.QueryHint, error) {
	out := make([]model.QueryHint, len(hints))
	err := c.retry(ctx, func() error {
		var counter hintCounter
		rev, err := c.get(ctx, pkHintSeq, skSingle, &counter)
		if err != nil && !errors.Is(err, catalog.ErrNotFound) {
			return err
		}

		next := hintCounter{Seq: counter.Seq + uint64(len(hints))}
		p, err := c.put(pkHintSeq, skSingle, next, rev)
		if err != nil {
			return err
		}
		items := make([]types.TransactWriteItem, 0, len(hints)+1)
		items = append(items, types.TransactWriteItem{Put: p})
		for i, h := range hints {
			h.Seq = counter.Seq + uint64(i) + 1
			h.BBoxes = slices.Clone(h.BBoxes)
			it, err := c.item(pkHints, hintSK(h.Seq), h, 1)
			if err != nil {
				return err
			}
			items = append(items, types.TransactWriteItem{Put: &types.Put{TableName: aws.String(c.table), Item: it}})
			out[i] = h
		}
		return c.transact(ctx, items)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Catalog) decodeHint(it map[string]types.AttributeValue) (model.QueryHint, error) {
	var h model.QueryHint
	if _, err := c.decode(it, &h); err != nil {
		return model.QueryHint{}, err
	}
	return h, nil
}

func (c *Catalog) ScanHints(ctx context.Context, afterSeq uint64, limit int) ([]model.QueryHint, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	in := c.partition(pkHints, true)
	in.KeyConditionExpression = aws.String(keyPartitionAft)
	in.ExpressionAttributeValues[":sk"] = &types.AttributeValueMemberS{Value: hintSK(afterSeq)}
	if limit > 0 {
		in.Limit = aws.Int32(int32(min(limit, 1000)))
	}

	out := []model.QueryHint{}
	err := c.query(ctx, in, func(it map[string]types.AttributeValue) (bool, error) {
		h, err := c.decodeHint(it)
		if err != nil {
			return false, err
		}
		out = append(out, h)
		return limit <= 0 || len(out) < limit, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Catalog) RecentHints(ctx context.Context, f catalog.HintFilter, limit int) ([]model.QueryHint, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	out := []model.QueryHint{}
	err := c.query(ctx, c.partition(pkHints, false), func(it map[string]types.AttributeValue) (bool, error) {
		h, err := c.decodeHint(it)
		if err != nil {
			return false, err
		}
		if f.Match(h) {
			out = append(out, h)
		}
		return limit <= 0 || len(out) < limit, nil
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}
