package s3

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// ErrAlreadyCommitted is returned when an entry commit loses the race to a
// concurrent writer. The loser's blob content is identical by construction,
// so callers treat this as success after discarding their upload.
var ErrAlreadyCommitted = errors.New("s3: entry already committed")

// DDBClient is the subset of the DynamoDB API the registry uses.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Commit records a published cache entry.
type Commit struct {
	Namespace string // transform fingerprint
	Entry     string // volume identifier
	BlobName  string
	Size      int64
	CreatedAt time.Time
}

// Registry is a DynamoDB table recording which cache entries exist.
//
// On a filesystem cache the directory itself is the source of truth; on S3
// a full namespace listing costs one LIST per thousand objects. The
// registry gives maintenance tooling (stats, reclamation) a single query
// per namespace, and its conditional writes make the first committing
// writer authoritative.
//
// Table schema: partition key "namespace" (S), sort key "entry" (S).
type Registry struct {
	client    DDBClient
	tableName string
}

// NewRegistry creates a registry over an existing table.
func NewRegistry(client DDBClient, tableName string) *Registry {
	return &Registry{client: client, tableName: tableName}
}

// Commit records an entry, failing with ErrAlreadyCommitted if a
// concurrent writer got there first.
func (r *Registry) Commit(ctx context.Context, c Commit) error {
	_, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item: map[string]ddbtypes.AttributeValue{
			"namespace":  &ddbtypes.AttributeValueMemberS{Value: c.Namespace},
			"entry":      &ddbtypes.AttributeValueMemberS{Value: c.Entry},
			"blob_name":  &ddbtypes.AttributeValueMemberS{Value: c.BlobName},
			"size":       &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(c.Size, 10)},
			"created_at": &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(c.CreatedAt.UnixNano(), 10)},
		},
		ConditionExpression: aws.String("attribute_not_exists(#ns) AND attribute_not_exists(#e)"),
		ExpressionAttributeNames: map[string]string{
			"#ns": "namespace",
			"#e":  "entry",
		},
	})
	if err != nil {
		var ccf *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrAlreadyCommitted
		}
		return fmt.Errorf("s3: commit entry %s/%s: %w", c.Namespace, c.Entry, err)
	}
	return nil
}

// Lookup returns the commit for an entry, or ok=false.
func (r *Registry) Lookup(ctx context.Context, namespace, entry string) (Commit, bool, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]ddbtypes.AttributeValue{
			"namespace": &ddbtypes.AttributeValueMemberS{Value: namespace},
			"entry":     &ddbtypes.AttributeValueMemberS{Value: entry},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return Commit{}, false, err
	}
	if out.Item == nil {
		return Commit{}, false, nil
	}
	return decodeCommit(out.Item)
}

// List returns all commits in a namespace.
func (r *Registry) List(ctx context.Context, namespace string) ([]Commit, error) {
	var commits []Commit
	var startKey map[string]ddbtypes.AttributeValue

	for {
		out, err := r.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(r.tableName),
			KeyConditionExpression: aws.String("#ns = :ns"),
			ExpressionAttributeNames: map[string]string{
				"#ns": "namespace",
			},
			ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
				":ns": &ddbtypes.AttributeValueMemberS{Value: namespace},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, err
		}
		for _, item := range out.Items {
			c, ok, err := decodeCommit(item)
			if err != nil {
				return nil, err
			}
			if ok {
				commits = append(commits, c)
			}
		}
		if out.LastEvaluatedKey == nil {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return commits, nil
}

// Forget removes a commit record. Used when reclaiming a namespace.
func (r *Registry) Forget(ctx context.Context, namespace, entry string) error {
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]ddbtypes.AttributeValue{
			"namespace": &ddbtypes.AttributeValueMemberS{Value: namespace},
			"entry":     &ddbtypes.AttributeValueMemberS{Value: entry},
		},
	})
	return err
}

func decodeCommit(item map[string]ddbtypes.AttributeValue) (Commit, bool, error) {
	var c Commit

	ns, ok := item["namespace"].(*ddbtypes.AttributeValueMemberS)
	if !ok {
		return Commit{}, false, fmt.Errorf("s3: malformed commit item: missing namespace")
	}
	entry, ok := item["entry"].(*ddbtypes.AttributeValueMemberS)
	if !ok {
		return Commit{}, false, fmt.Errorf("s3: malformed commit item: missing entry")
	}
	c.Namespace = ns.Value
	c.Entry = entry.Value

	if v, ok := item["blob_name"].(*ddbtypes.AttributeValueMemberS); ok {
		c.BlobName = v.Value
	}
	if v, ok := item["size"].(*ddbtypes.AttributeValueMemberN); ok {
		n, err := strconv.ParseInt(v.Value, 10, 64)
		if err != nil {
			return Commit{}, false, fmt.Errorf("s3: malformed commit size: %w", err)
		}
		c.Size = n
	}
	if v, ok := item["created_at"].(*ddbtypes.AttributeValueMemberN); ok {
		n, err := strconv.ParseInt(v.Value, 10, 64)
		if err != nil {
			return Commit{}, false, fmt.Errorf("s3: malformed commit timestamp: %w", err)
		}
		c.CreatedAt = time.Unix(0, n)
	}
	return c, true, nil
}
