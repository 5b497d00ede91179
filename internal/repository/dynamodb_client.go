package repository

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

	"professor-agent/internal/domain"
)

const (
	pkPrefixReq        = "REQ#"
	skPrefixTranscript = "TRANSCRIPT#"
	ttlDuration        = 30 * 24 * time.Hour // 30-day TTL
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
type dynamodbAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Client stores chat transcripts in a DynamoDB table.
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

// reqPK returns the partition key for a request correlation ID.
func reqPK(correlationID string) string {
	return pkPrefixReq + correlationID
}

func transcriptSK(ts time.Time) string {
	return skPrefixTranscript + ts.UTC().Format(time.RFC3339Nano)
}

func ttlValue(now time.Time) int64 {
	return now.Add(ttlDuration).Unix()
}

// NewTranscript constructs a Transcript with keys and TTL derived from the current time.
func NewTranscript(correlationID, question string, professors []string, fragments int, status string) domain.Transcript {
	now := time.Now().UTC()
	return domain.Transcript{
		PK:            reqPK(correlationID),
		SK:            transcriptSK(now),
		CorrelationID: correlationID,
		Question:      question,
		Professors:    professors,
		Fragments:     fragments,
		Status:        status,
		CreatedAt:     now.Format(time.RFC3339),
		TTL:           ttlValue(now),
	}
}

// SaveTranscript persists the outcome of one chat request.
func (c *Client) SaveTranscript(ctx context.Context, correlationID, question string, professors []string, fragments int, status string) error {
	if strings.TrimSpace(correlationID) == "" {
		return errors.New("repository: SaveTranscript: correlation ID is required")
	}
	if err := c.WriteTranscript(ctx, NewTranscript(correlationID, question, professors, fragments, status)); err != nil {
		return fmt.Errorf("repository: SaveTranscript: %w", err)
	}
	return nil
}

// WriteTranscript writes a transcript item, refusing to overwrite an existing one.
func (c *Client) WriteTranscript(ctx context.Context, t domain.Transcript) error {
	if t.PK == "" || t.SK == "" {
		return errors.New("repository: WriteTranscript: PK and SK are required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                transcriptItem(t),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: WriteTranscript: %w", err)
	}
	return nil
}

// GetTranscripts returns the transcripts recorded for a correlation ID, oldest first.
func (c *Client) GetTranscripts(ctx context.Context, correlationID string) ([]domain.Transcript, error) {
	out, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: reqPK(correlationID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixTranscript},
		},
		ScanIndexForward: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: GetTranscripts query: %w", err)
	}

	transcripts := make([]domain.Transcript, 0, len(out.Items))
	for _, item := range out.Items {
		t, err := itemToTranscript(item)
		if err != nil {
			return nil, fmt.Errorf("repository: GetTranscripts unmarshal: %w", err)
		}
		transcripts = append(transcripts, t)
	}
	return transcripts, nil
}

func transcriptItem(t domain.Transcript) map[string]types.AttributeValue {
	professors := make([]types.AttributeValue, 0, len(t.Professors))
	for _, p := range t.Professors {
		professors = append(professors, &types.AttributeValueMemberS{Value: p})
	}
	return map[string]types.AttributeValue{
		"PK":            &types.AttributeValueMemberS{Value: t.PK},
		"SK":            &types.AttributeValueMemberS{Value: t.SK},
		"correlationId": &types.AttributeValueMemberS{Value: t.CorrelationID},
		"question":      &types.AttributeValueMemberS{Value: t.Question},
		"professors":    &types.AttributeValueMemberL{Value: professors},
		"fragments":     &types.AttributeValueMemberN{Value: strconv.Itoa(t.Fragments)},
		"status":        &types.AttributeValueMemberS{Value: t.Status},
		"createdAt":     &types.AttributeValueMemberS{Value: t.CreatedAt},
		"ttl":           &types.AttributeValueMemberN{Value: strconv.FormatInt(t.TTL, 10)},
	}
}

func itemToTranscript(item map[string]types.AttributeValue) (domain.Transcript, error) {
	pk, err := strAttr(item, "PK")
	if err != nil {
		return domain.Transcript{}, err
	}
	sk, err := strAttr(item, "SK")
	if err != nil {
		return domain.Transcript{}, err
	}
	status, err := strAttr(item, "status")
	if err != nil {
		return domain.Transcript{}, err
	}
	fragments, err := intAttr(item, "fragments")
	if err != nil {
		return domain.Transcript{}, err
	}
	correlationID, _ := strAttr(item, "correlationId") // allow empty
	question, _ := strAttr(item, "question")           // allow empty
	createdAt, _ := strAttr(item, "createdAt")         // allow empty

	var professors []string
	if l, ok := item["professors"].(*types.AttributeValueMemberL); ok {
		for _, v := range l.Value {
			if s, ok := v.(*types.AttributeValueMemberS); ok {
				professors = append(professors, s.Value)
			}
		}
	}

	return domain.Transcript{
		PK:            pk,
		SK:            sk,
		CorrelationID: correlationID,
		Question:      question,
		Professors:    professors,
		Fragments:     fragments,
		Status:        status,
		CreatedAt:     createdAt,
	}, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
