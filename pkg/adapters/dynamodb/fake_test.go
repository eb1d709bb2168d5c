package dynamodb

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeTable is an in-memory table understanding the expressions this
// package builds: existence conditions, the lock takeover comparison,
// token equality, SET with list_append, SET of values and ADD.
type fakeTable struct {
	mu       sync.Mutex
	items    map[string]map[string]types.AttributeValue
	pageSize int
	calls    map[string]int
	failNext error
}

func newFakeTable() *fakeTable {
	return &fakeTable{
		items:    make(map[string]map[string]types.AttributeValue),
		pageSize: 2,
		calls:    make(map[string]int),
	}
}

func str(av types.AttributeValue) string {
	if s, ok := av.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func num(av types.AttributeValue) int64 {
	if n, ok := av.(*types.AttributeValueMemberN); ok {
		v, _ := strconv.ParseInt(n.Value, 10, 64)
		return v
	}
	return 0
}

// list reads an L value; anything else counts as an empty list.
func list(av types.AttributeValue) *types.AttributeValueMemberL {
	if l, ok := av.(*types.AttributeValueMemberL); ok {
		return l
	}
	return &types.AttributeValueMemberL{}
}

func itemKey(key map[string]types.AttributeValue) string {
	return str(key["PK"]) + "|" + str(key["SK"])
}

func copyItem(in map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func conditionFailed() error {
	return &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
}

var placeholderRe = regexp.MustCompile(`#\w+`)

// resolve replaces #n placeholders with attribute names.
func resolve(expr string, names map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(expr, func(p string) string {
		if name, ok := names[p]; ok {
			return name
		}
		return p
	})
}

var (
	notExistsRe = regexp.MustCompile(`attribute_not_exists\s*\(\s*PK\s*\)`)
	existsRe    = regexp.MustCompile(`attribute_exists\s*\(\s*PK\s*\)`)
	orRe        = regexp.MustCompile(`\bOR\b`)
	lessThanRe  = regexp.MustCompile(`(\w+)\s*<\s*(:\w+)`)
	equalRe     = regexp.MustCompile(`(\w+)\s*=\s*(:\w+)`)
)

func (f *fakeTable) check(cond *string, names map[string]string, values map[string]types.AttributeValue, existing map[string]types.AttributeValue) bool {
	if cond == nil {
		return true
	}
	c := resolve(*cond, names)
	exists := existing != nil

	switch {
	case notExistsRe.MatchString(c) && orRe.MatchString(c):
		if !exists {
			return true
		}
		m := lessThanRe.FindStringSubmatch(c)
		return m != nil && num(existing[m[1]]) < num(values[m[2]])
	case notExistsRe.MatchString(c):
		return !exists
	case existsRe.MatchString(c):
		return exists
	default:
		m := equalRe.FindStringSubmatch(c)
		return exists && m != nil && str(existing[m[1]]) == str(values[m[2]])
	}
}

func (f *fakeTable) take() error {
	err := f.failNext
	f.failNext = nil
	return err
}

func (f *fakeTable) GetItem(ctx context.Context, in *awsdynamodb.GetItemInput, _ ...func(*awsdynamodb.Options)) (*awsdynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["GetItem"]++
	if err := f.take(); err != nil {
		return nil, err
	}
	item, ok := f.items[itemKey(in.Key)]
	if !ok {
		return &awsdynamodb.GetItemOutput{}, nil
	}
	return &awsdynamodb.GetItemOutput{Item: copyItem(item)}, nil
}

func (f *fakeTable) PutItem(ctx context.Context, in *awsdynamodb.PutItemInput, _ ...func(*awsdynamodb.Options)) (*awsdynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["PutItem"]++
	if err := f.take(); err != nil {
		return nil, err
	}
	key := itemKey(in.Item)
	if !f.check(in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, f.items[key]) {
		return nil, conditionFailed()
	}
	f.items[key] = copyItem(in.Item)
	return &awsdynamodb.PutItemOutput{}, nil
}

func (f *fakeTable) DeleteItem(ctx context.Context, in *awsdynamodb.DeleteItemInput, _ ...func(*awsdynamodb.Options)) (*awsdynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["DeleteItem"]++
	key := itemKey(in.Key)
	if !f.check(in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, f.items[key]) {
		return nil, conditionFailed()
	}
	delete(f.items, key)
	return &awsdynamodb.DeleteItemOutput{}, nil
}

var (
	listAppendRe = regexp.MustCompile(`(\w+)\s*=\s*list_append\s*\(\s*if_not_exists\s*\(\s*\w+\s*,\s*(:\w+)\s*\)\s*,\s*(:\w+)\s*\)`)
	setValueRe   = regexp.MustCompile(`(\w+)\s*=\s*(:\w+)`)
	addRe        = regexp.MustCompile(`ADD\s+(\w+)\s+(:\w+)`)
)

func (f *fakeTable) UpdateItem(ctx context.Context, in *awsdynamodb.UpdateItemInput, _ ...func(*awsdynamodb.Options)) (*awsdynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["UpdateItem"]++
	if err := f.take(); err != nil {
		return nil, err
	}

	key := itemKey(in.Key)
	existing := f.items[key]
	if !f.check(in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, existing) {
		return nil, conditionFailed()
	}

	item := copyItem(existing)
	update := resolve(aws.ToString(in.UpdateExpression), in.ExpressionAttributeNames)
	values := in.ExpressionAttributeValues

	for _, m := range listAppendRe.FindAllStringSubmatch(update, -1) {
		cur, ok := item[m[1]].(*types.AttributeValueMemberL)
		if !ok {
			cur = list(values[m[2]])
		}
		merged := append(append([]types.AttributeValue{}, cur.Value...), list(values[m[3]]).Value...)
		item[m[1]] = &types.AttributeValueMemberL{Value: merged}
	}
	rest := listAppendRe.ReplaceAllString(update, "")
	for _, m := range addRe.FindAllStringSubmatch(rest, -1) {
		item[m[1]] = &types.AttributeValueMemberN{Value: fmt.Sprint(num(item[m[1]]) + num(values[m[2]]))}
	}
	rest = addRe.ReplaceAllString(rest, "")
	for _, m := range setValueRe.FindAllStringSubmatch(rest, -1) {
		item[m[1]] = values[m[2]]
	}

	f.items[key] = item
	return &awsdynamodb.UpdateItemOutput{}, nil
}

// Query serves PK equality with an SK prefix, pageSize rows at a time.
func (f *fakeTable) Query(ctx context.Context, in *awsdynamodb.QueryInput, _ ...func(*awsdynamodb.Options)) (*awsdynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["Query"]++
	if err := f.take(); err != nil {
		return nil, err
	}

	var pk, prefix string
	for _, v := range in.ExpressionAttributeValues {
		s := str(v)
		if strings.HasPrefix(s, streamPrefix) {
			pk = s
		} else {
			prefix = s
		}
	}

	var keys []string
	for k, item := range f.items {
		if str(item["PK"]) == pk && strings.HasPrefix(str(item["SK"]), prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if in.ExclusiveStartKey != nil {
		after := itemKey(in.ExclusiveStartKey)
		start = sort.SearchStrings(keys, after)
		if start < len(keys) && keys[start] == after {
			start++
		}
	}
	end := start + f.pageSize
	if end > len(keys) {
		end = len(keys)
	}

	out := &awsdynamodb.QueryOutput{}
	for _, k := range keys[start:end] {
		out.Items = append(out.Items, copyItem(f.items[k]))
	}
	out.Count = int32(len(out.Items))
	if end < len(keys) {
		last := f.items[keys[end-1]]
		out.LastEvaluatedKey = map[string]types.AttributeValue{"PK": last["PK"], "SK": last["SK"]}
	}
	return out, nil
}

var _ API = (*fakeTable)(nil)
