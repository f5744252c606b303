// Package awstest provides in-memory fakes of the AWS clients used by the
// stores, the queue and the metrics recorder.
//
// The DynamoDB fake evaluates the condition and update expressions the stores
// issue (comparisons, AND/OR/NOT, attribute_exists, attribute_not_exists,
// if_not_exists, SET with + and -, REMOVE, nested map paths) under a single
// mutex, so concurrent callers observe the same compare-and-swap semantics
// they get from the real service.
package awstest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

type index struct {
	pk string
	sk string
}

type table struct {
	pk      string
	items   map[string]item
	order   []string
	indexes map[string]index
}

// DynamoDB is an in-memory implementation of aws.DynamoDBAPI.
type DynamoDB struct {
	mu     sync.Mutex
	tables map[string]*table
	hook   func(op, table string) error
	calls  map[string]int
}

// NewDynamoDB returns an empty fake with no tables.
func NewDynamoDB() *DynamoDB {
	return &DynamoDB{
		tables: map[string]*table{},
		calls:  map[string]int{},
	}
}

// CreateTable registers a table keyed by a single partition key attribute.
func (d *DynamoDB) CreateTable(name, partitionKey string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tables[name] = &table{pk: partitionKey, items: map[string]item{}, indexes: map[string]index{}}
}

// CreateIndex registers a global secondary index. sortKey may be empty.
func (d *DynamoDB) CreateIndex(tableName, indexName, partitionKey, sortKey string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tables[tableName].indexes[indexName] = index{pk: partitionKey, sk: sortKey}
}

// FailWith installs a hook consulted before every call; a non-nil return is
// returned to the caller and the call has no effect. Pass nil to remove it.
func (d *DynamoDB) FailWith(hook func(op, table string) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hook = hook
}

// Calls returns how many times op was invoked.
func (d *DynamoDB) Calls(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[op]
}

// Item returns a copy of the item stored under a string partition key, or nil.
func (d *DynamoDB) Item(tableName, key string) map[string]types.AttributeValue {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tables[tableName]
	if !ok {
		return nil
	}
	return cloneItem(t.items["S:"+key])
}

// Items returns copies of all items of a table in insertion order.
func (d *DynamoDB) Items(tableName string) []map[string]types.AttributeValue {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tables[tableName]
	if !ok {
		return nil
	}
	out := make([]map[string]types.AttributeValue, 0, len(t.items))
	for _, k := range t.order {
		if it, ok := t.items[k]; ok {
			out = append(out, cloneItem(it))
		}
	}
	return out
}

// Seed stores an item unconditionally.
func (d *DynamoDB) Seed(tableName string, it map[string]types.AttributeValue) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, err := d.table(tableName)
	if err != nil {
		return err
	}
	k, err := t.keyOf(it)
	if err != nil {
		return err
	}
	t.store(k, cloneItem(it))
	return nil
}

func (d *DynamoDB) enter(op string, tableName string) error {
	d.calls[op]++
	if d.hook != nil {
		return d.hook(op, tableName)
	}
	return nil
}

func (d *DynamoDB) table(name string) (*table, error) {
	t, ok := d.tables[name]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: sdkaws.String("Requested resource not found: " + name)}
	}
	return t, nil
}

func (t *table) keyOf(it item) (string, error) {
	switch v := it[t.pk].(type) {
	case *types.AttributeValueMemberS:
		return "S:" + v.Value, nil
	case *types.AttributeValueMemberN:
		return "N:" + v.Value, nil
	}
	return "", validationError(fmt.Sprintf("missing key attribute %s", t.pk))
}

func (t *table) store(k string, it item) {
	if _, ok := t.items[k]; !ok {
		t.order = append(t.order, k)
	}
	t.items[k] = it
}

func validationError(msg string) error {
	return &smithy.GenericAPIError{Code: "ValidationException", Message: msg, Fault: smithy.FaultClient}
}

func conditionFailed() error {
	return &types.ConditionalCheckFailedException{Message: sdkaws.String("The conditional request failed")}
}

func check(expr *string, names map[string]string, values map[string]types.AttributeValue, current item) (bool, error) {
	if expr == nil || *expr == "" {
		return true, nil
	}
	c, err := parseCondition(*expr, names, values)
	if err != nil {
		return false, validationError(err.Error())
	}
	if current == nil {
		current = item{}
	}
	ok, err := c(current)
	if err != nil {
		return false, validationError(err.Error())
	}
	return ok, nil
}

// GetItem implements aws.DynamoDBAPI.
func (d *DynamoDB) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("GetItem", sdkaws.ToString(params.TableName)); err != nil {
		return nil, err
	}
	t, err := d.table(sdkaws.ToString(params.TableName))
	if err != nil {
		return nil, err
	}
	k, err := t.keyOf(params.Key)
	if err != nil {
		return nil, err
	}
	return &dyn.GetItemOutput{Item: cloneItem(t.items[k])}, nil
}

// PutItem implements aws.DynamoDBAPI.
func (d *DynamoDB) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("PutItem", sdkaws.ToString(params.TableName)); err != nil {
		return nil, err
	}
	t, err := d.table(sdkaws.ToString(params.TableName))
	if err != nil {
		return nil, err
	}
	k, err := t.keyOf(params.Item)
	if err != nil {
		return nil, err
	}
	ok, err := check(params.ConditionExpression, params.ExpressionAttributeNames, params.ExpressionAttributeValues, t.items[k])
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conditionFailed()
	}
	old := t.items[k]
	t.store(k, cloneItem(params.Item))
	out := &dyn.PutItemOutput{}
	if params.ReturnValues == types.ReturnValueAllOld {
		out.Attributes = cloneItem(old)
	}
	return out, nil
}

// UpdateItem implements aws.DynamoDBAPI. A missing item is created from the key.
func (d *DynamoDB) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("UpdateItem", sdkaws.ToString(params.TableName)); err != nil {
		return nil, err
	}
	t, err := d.table(sdkaws.ToString(params.TableName))
	if err != nil {
		return nil, err
	}
	k, updated, err := d.prepareUpdate(t, params.Key, params.UpdateExpression, params.ConditionExpression, params.ExpressionAttributeNames, params.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	old := t.items[k]
	t.store(k, updated)
	out := &dyn.UpdateItemOutput{}
	switch params.ReturnValues {
	case types.ReturnValueAllNew, types.ReturnValueUpdatedNew:
		out.Attributes = cloneItem(updated)
	case types.ReturnValueAllOld, types.ReturnValueUpdatedOld:
		out.Attributes = cloneItem(old)
	}
	return out, nil
}

func (d *DynamoDB) prepareUpdate(t *table, key item, updateExpr, condExpr *string, names map[string]string, values map[string]types.AttributeValue) (string, item, error) {
	k, err := t.keyOf(key)
	if err != nil {
		return "", nil, err
	}
	current := t.items[k]
	ok, err := check(condExpr, names, values, current)
	if err != nil {
		return "", nil, err
	}
	if !ok {
		return "", nil, conditionFailed()
	}
	base := current
	if base == nil {
		base = cloneItem(key)
	}
	if updateExpr == nil {
		return k, cloneItem(base), nil
	}
	u, err := parseUpdate(*updateExpr, names, values)
	if err != nil {
		return "", nil, validationError(err.Error())
	}
	updated, err := u.apply(base)
	if err != nil {
		return "", nil, validationError(err.Error())
	}
	return k, updated, nil
}

// TransactWriteItems implements aws.DynamoDBAPI. Conditions of every item are
// evaluated before anything is written; on any failure the call returns a
// TransactionCanceledException carrying one reason per item.
func (d *DynamoDB) TransactWriteItems(ctx context.Context, params *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("TransactWriteItems", ""); err != nil {
		return nil, err
	}

	type write struct {
		t   *table
		key string
		it  item
	}
	var writes []write
	reasons := make([]types.CancellationReason, len(params.TransactItems))
	cancelled := false

	for i, ti := range params.TransactItems {
		reasons[i] = types.CancellationReason{Code: sdkaws.String("None")}
		switch {
		case ti.Put != nil:
			t, err := d.table(sdkaws.ToString(ti.Put.TableName))
			if err != nil {
				return nil, err
			}
			k, err := t.keyOf(ti.Put.Item)
			if err != nil {
				return nil, err
			}
			ok, err := check(ti.Put.ConditionExpression, ti.Put.ExpressionAttributeNames, ti.Put.ExpressionAttributeValues, t.items[k])
			if err != nil {
				return nil, err
			}
			if !ok {
				reasons[i] = types.CancellationReason{Code: sdkaws.String("ConditionalCheckFailed"), Message: sdkaws.String("The conditional request failed")}
				cancelled = true
				continue
			}
			writes = append(writes, write{t, k, cloneItem(ti.Put.Item)})
		case ti.Update != nil:
			t, err := d.table(sdkaws.ToString(ti.Update.TableName))
			if err != nil {
				return nil, err
			}
			k, updated, err := d.prepareUpdate(t, ti.Update.Key, ti.Update.UpdateExpression, ti.Update.ConditionExpression, ti.Update.ExpressionAttributeNames, ti.Update.ExpressionAttributeValues)
			if err != nil {
				if _, isCond := err.(*types.ConditionalCheckFailedException); isCond {
					reasons[i] = types.CancellationReason{Code: sdkaws.String("ConditionalCheckFailed"), Message: sdkaws.String("The conditional request failed")}
					cancelled = true
					continue
				}
				return nil, err
			}
			writes = append(writes, write{t, k, updated})
		case ti.ConditionCheck != nil:
			t, err := d.table(sdkaws.ToString(ti.ConditionCheck.TableName))
			if err != nil {
				return nil, err
			}
			k, err := t.keyOf(ti.ConditionCheck.Key)
			if err != nil {
				return nil, err
			}
			ok, err := check(ti.ConditionCheck.ConditionExpression, ti.ConditionCheck.ExpressionAttributeNames, ti.ConditionCheck.ExpressionAttributeValues, t.items[k])
			if err != nil {
				return nil, err
			}
			if !ok {
				reasons[i] = types.CancellationReason{Code: sdkaws.String("ConditionalCheckFailed"), Message: sdkaws.String("The conditional request failed")}
				cancelled = true
			}
		default:
			return nil, validationError("unsupported transact item")
		}
	}

	if cancelled {
		return nil, &types.TransactionCanceledException{
			Message:             sdkaws.String("Transaction cancelled, please refer cancellation reasons for specific reasons"),
			CancellationReasons: reasons,
		}
	}
	for _, w := range writes {
		w.t.store(w.key, w.it)
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}

// Query implements aws.DynamoDBAPI. The key condition is evaluated as a
// filter over every item carrying the index partition key; results are
// ordered by the index sort key.
func (d *DynamoDB) Query(ctx context.Context, params *dyn.QueryInput, optFns ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("Query", sdkaws.ToString(params.TableName)); err != nil {
		return nil, err
	}
	t, err := d.table(sdkaws.ToString(params.TableName))
	if err != nil {
		return nil, err
	}
	idx := index{pk: t.pk}
	if params.IndexName != nil {
		var ok bool
		idx, ok = t.indexes[*params.IndexName]
		if !ok {
			return nil, validationError("the table does not have the specified index: " + *params.IndexName)
		}
	}
	if params.KeyConditionExpression == nil {
		return nil, validationError("KeyConditionExpression is required")
	}
	keyCond, err := parseCondition(*params.KeyConditionExpression, params.ExpressionAttributeNames, params.ExpressionAttributeValues)
	if err != nil {
		return nil, validationError(err.Error())
	}
	var filter condition
	if params.FilterExpression != nil {
		filter, err = parseCondition(*params.FilterExpression, params.ExpressionAttributeNames, params.ExpressionAttributeValues)
		if err != nil {
			return nil, validationError(err.Error())
		}
	}

	var matched []item
	for _, k := range t.order {
		it, ok := t.items[k]
		if !ok {
			continue
		}
		if _, has := it[idx.pk]; !has {
			continue
		}
		if idx.sk != "" {
			if _, has := it[idx.sk]; !has {
				continue
			}
		}
		ok, err := keyCond(it)
		if err != nil {
			return nil, validationError(err.Error())
		}
		if ok {
			matched = append(matched, it)
		}
	}
	if idx.sk != "" {
		sort.SliceStable(matched, func(i, j int) bool {
			c, _ := compareValues(matched[i][idx.sk], matched[j][idx.sk])
			return c < 0
		})
	}
	if params.ScanIndexForward != nil && !*params.ScanIndexForward {
		for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
			matched[i], matched[j] = matched[j], matched[i]
		}
	}

	start := 0
	if len(params.ExclusiveStartKey) > 0 {
		sk, err := t.keyOf(params.ExclusiveStartKey)
		if err != nil {
			return nil, err
		}
		for i, it := range matched {
			if k, _ := t.keyOf(it); k == sk {
				start = i + 1
				break
			}
		}
	}
	matched = matched[start:]

	out := &dyn.QueryOutput{}
	limit := len(matched)
	if params.Limit != nil && int(*params.Limit) < limit {
		limit = int(*params.Limit)
	}
	for _, it := range matched[:limit] {
		out.ScannedCount++
		if filter != nil {
			ok, err := filter(it)
			if err != nil {
				return nil, validationError(err.Error())
			}
			if !ok {
				continue
			}
		}
		out.Count++
		if params.Select != types.SelectCount {
			out.Items = append(out.Items, cloneItem(it))
		}
	}
	if limit < len(matched) && limit > 0 {
		last := matched[limit-1]
		lek := item{t.pk: cloneValue(last[t.pk])}
		if idx.pk != t.pk {
			lek[idx.pk] = cloneValue(last[idx.pk])
		}
		if idx.sk != "" {
			lek[idx.sk] = cloneValue(last[idx.sk])
		}
		out.LastEvaluatedKey = lek
	}
	return out, nil
}
