// Package ddbtest provides an in-memory stand-in for the DynamoDB operations
// used by the data-access layer. It understands the expression forms the
// store emits: equality clauses and attribute_exists/attribute_not_exists
// joined with AND, and parenthesized OR groups of those.
package ddbtest

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Item is a stored DynamoDB item.
type Item = map[string]types.AttributeValue

type table struct {
	hashKey  string
	rangeKey string
	items    map[string]Item
}

func (t *table) key(item Item) string {
	return str(item[t.hashKey]) + "\x00" + str(item[t.rangeKey])
}

// Fake is a concurrency-safe in-memory DynamoDB.
type Fake struct {
	// PageSize limits items per Query page (0 = unlimited).
	PageSize int

	mu       sync.Mutex
	tables   map[string]*table
	failures map[string][]error
	calls    map[string]int
	hooks    map[string]func(input any) error
}

// New creates an empty Fake.
func New() *Fake {
	return &Fake{
		tables:   make(map[string]*table),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
		hooks:    make(map[string]func(any) error),
	}
}

// AddTable provisions a table directly.
func (f *Fake) AddTable(name, hashKey, rangeKey string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[name] = &table{hashKey: hashKey, rangeKey: rangeKey, items: make(map[string]Item)}
}

// FailNext makes the next len(errs) calls of op return errs in order.
// op is the API method name, e.g. "PutItem".
func (f *Fake) FailNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], errs...)
}

// OnCall registers a hook run before every call of op; a non-nil result is
// returned as the call's error. Hooks run under the Fake's lock and must not
// call back into it.
func (f *Fake) OnCall(op string, hook func(input any) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks[op] = hook
}

// Calls returns how many times op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Items returns a snapshot of every item in a table.
func (f *Fake) Items(name string) []Item {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tables[name]
	if !ok {
		return nil
	}
	out := make([]Item, 0, len(t.items))
	for _, item := range t.items {
		out = append(out, copyItem(item))
	}
	return out
}

// begin records the call and returns an injected error, if any. Callers hold f.mu.
func (f *Fake) begin(op string, input any) error {
	f.calls[op]++
	if queue := f.failures[op]; len(queue) > 0 {
		f.failures[op] = queue[1:]
		return queue[0]
	}
	if hook := f.hooks[op]; hook != nil {
		return hook(input)
	}
	return nil
}

func (f *Fake) table(name *string) (*table, error) {
	t, ok := f.tables[aws.ToString(name)]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("Requested resource not found")}
	}
	return t, nil
}

// DescribeTable implements the DynamoDB API.
func (f *Fake) DescribeTable(_ context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("DescribeTable", in); err != nil {
		return nil, err
	}
	if _, err := f.table(in.TableName); err != nil {
		return nil, err
	}
	return &dynamodb.DescribeTableOutput{
		Table: &types.TableDescription{
			TableName:   in.TableName,
			TableStatus: types.TableStatusActive,
		},
	}, nil
}

// CreateTable implements the DynamoDB API.
func (f *Fake) CreateTable(_ context.Context, in *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("CreateTable", in); err != nil {
		return nil, err
	}
	name := aws.ToString(in.TableName)
	if _, exists := f.tables[name]; exists {
		return nil, &types.ResourceInUseException{Message: aws.String("Table already exists")}
	}
	t := &table{items: make(map[string]Item)}
	for _, k := range in.KeySchema {
		switch k.KeyType {
		case types.KeyTypeHash:
			t.hashKey = aws.ToString(k.AttributeName)
		case types.KeyTypeRange:
			t.rangeKey = aws.ToString(k.AttributeName)
		}
	}
	f.tables[name] = t
	return &dynamodb.CreateTableOutput{
		TableDescription: &types.TableDescription{TableName: in.TableName, TableStatus: types.TableStatusActive},
	}, nil
}

// PutItem implements the DynamoDB API.
func (f *Fake) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("PutItem", in); err != nil {
		return nil, err
	}
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	if _, ok := in.Item[t.hashKey]; !ok {
		return nil, fmt.Errorf("ValidationException: missing key %s", t.hashKey)
	}
	key := t.key(in.Item)
	ok, err := eval(aws.ToString(in.ConditionExpression), t.items[key], in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}
	t.items[key] = copyItem(in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

// DeleteItem implements the DynamoDB API.
func (f *Fake) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("DeleteItem", in); err != nil {
		return nil, err
	}
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	key := t.key(in.Key)
	ok, err := eval(aws.ToString(in.ConditionExpression), t.items[key], in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}
	delete(t.items, key)
	return &dynamodb.DeleteItemOutput{}, nil
}

// Query implements the DynamoDB API. Results are ordered by range key.
func (f *Fake) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("Query", in); err != nil {
		return nil, err
	}
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}

	var candidates []Item
	for _, item := range t.items {
		ok, err := eval(aws.ToString(in.KeyConditionExpression), item, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
		if err != nil {
			return nil, err
		}
		if ok {
			candidates = append(candidates, item)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return str(candidates[i][t.rangeKey]) < str(candidates[j][t.rangeKey])
	})

	if in.ExclusiveStartKey != nil {
		start := str(in.ExclusiveStartKey[t.rangeKey])
		i := sort.Search(len(candidates), func(i int) bool {
			return str(candidates[i][t.rangeKey]) > start
		})
		candidates = candidates[i:]
	}

	out := &dynamodb.QueryOutput{}
	page := candidates
	if f.PageSize > 0 && len(page) > f.PageSize {
		page = page[:f.PageSize]
		last := page[len(page)-1]
		out.LastEvaluatedKey = Item{t.hashKey: last[t.hashKey], t.rangeKey: last[t.rangeKey]}
	}

	for _, item := range page {
		ok, err := eval(aws.ToString(in.FilterExpression), item, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
		if err != nil {
			return nil, err
		}
		if ok {
			out.Items = append(out.Items, copyItem(item))
		}
	}
	out.Count = int32(len(out.Items))
	out.ScannedCount = int32(len(page))
	return out, nil
}

// eval evaluates an AND-joined condition against item (nil = absent item).
// An empty expression is always true.
func eval(expr string, item Item, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}
	for _, clause := range strings.Split(expr, " AND ") {
		ok, err := evalAny(clause, item, names, values)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// evalAny evaluates a parenthesized group of clauses joined with OR.
func evalAny(group string, item Item, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	group = strings.TrimSpace(group)
	if strings.HasPrefix(group, "(") && strings.HasSuffix(group, ")") && strings.Contains(group, " OR ") {
		group = group[1 : len(group)-1]
	}
	for _, clause := range strings.Split(group, " OR ") {
		clause = strings.Trim(strings.TrimSpace(clause), "()")
		ok, err := evalClause(clause, item, names, values)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func evalClause(clause string, item Item, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	resolve := func(name string) string {
		name = strings.TrimSpace(name)
		if strings.HasPrefix(name, "#") {
			return names[name]
		}
		return name
	}

	switch {
	case strings.HasPrefix(clause, "attribute_exists"):
		_, ok := item[resolve(strings.Trim(strings.TrimPrefix(clause, "attribute_exists"), "() "))]
		return ok, nil
	case strings.HasPrefix(clause, "attribute_not_exists"):
		_, ok := item[resolve(strings.Trim(strings.TrimPrefix(clause, "attribute_not_exists"), "() "))]
		return !ok, nil
	}

	lhs, rhs, ok := strings.Cut(clause, " = ")
	if !ok {
		return false, fmt.Errorf("ddbtest: unsupported clause %q", clause)
	}
	want, ok := values[strings.TrimSpace(rhs)]
	if !ok {
		return false, fmt.Errorf("ddbtest: missing value %s", rhs)
	}
	got, ok := item[resolve(lhs)]
	if !ok {
		return false, nil
	}
	return equal(got, want), nil
}

func equal(a, b types.AttributeValue) bool {
	var av, bv any
	if err := attributevalue.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := attributevalue.Unmarshal(b, &bv); err != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}

func str(v types.AttributeValue) string {
	switch v := v.(type) {
	case *types.AttributeValueMemberS:
		return v.Value
	case *types.AttributeValueMemberN:
		return v.Value
	}
	return ""
}

func copyItem(item Item) Item {
	out := make(Item, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}
