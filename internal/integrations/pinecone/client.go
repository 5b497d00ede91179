package pinecone

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pinecone-io/go-pinecone/v3/pinecone"
	"golang.org/x/sync/singleflight"

	"professor-agent/internal/domain"
)

// The professor index and namespace are fixed external resources.
const (
	IndexName = "rag"
	Namespace = "ns1"

	connectTimeout = 10 * time.Second
)

// indexAPI is the subset of *pinecone.IndexConnection used by Client.
type indexAPI interface {
	QueryByVectorValues(ctx context.Context, in *pinecone.QueryByVectorValuesRequest) (*pinecone.QueryVectorsResponse, error)
}

// connectFunc opens an index connection, resolving the host when needed.
type connectFunc func(ctx context.Context) (indexAPI, error)

// Client queries the professor index. The index connection is opened lazily
// on the first query and reused for the lifetime of the process; a failed
// connection attempt is retried on the next query. Concurrent queries share a
// single in-flight connection attempt and each stops waiting when its own
// context ends.
type Client struct {
	connect connectFunc
	dial    singleflight.Group

	mu  sync.RWMutex
	idx indexAPI
}

type Option func(*options)

type options struct {
	host string
}

// WithIndexHost skips the DescribeIndex lookup and connects to host directly.
func WithIndexHost(host string) Option {
	return func(o *options) {
		o.host = strings.TrimSpace(host)
	}
}

// New creates a Client authenticated with apiKey.
func New(apiKey string, opts ...Option) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("pinecone: API key must not be empty")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	pc, err := pinecone.NewClient(pinecone.NewClientParams{ApiKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("pinecone: create client: %w", err)
	}

	return newWithConnect(func(ctx context.Context) (indexAPI, error) {
		host := o.host
		if host == "" {
			desc, err := pc.DescribeIndex(ctx, IndexName)
			if err != nil {
				return nil, fmt.Errorf("pinecone: describe index %q: %w", IndexName, err)
			}
			host = desc.Host
		}
		conn, err := pc.Index(pinecone.NewIndexConnParams{Host: host, Namespace: Namespace})
		if err != nil {
			return nil, fmt.Errorf("pinecone: connect index %q: %w", IndexName, err)
		}
		return conn, nil
	}), nil
}

func newWithConnect(connect connectFunc) *Client {
	return &Client{connect: connect}
}

func (c *Client) index(ctx context.Context) (indexAPI, error) {
	c.mu.RLock()
	idx := c.idx
	c.mu.RUnlock()
	if idx != nil {
		return idx, nil
	}

	ch := c.dial.DoChan(IndexName, func() (any, error) {
		dialCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), connectTimeout)
		defer cancel()
		idx, err := c.connect(dialCtx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.idx = idx
		c.mu.Unlock()
		return idx, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(indexAPI), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("pinecone: connect index %q: %w", IndexName, ctx.Err())
	}
}

// Query returns up to topK professors nearest to vector, in relevance order,
// with their stored metadata.
func (c *Client) Query(ctx context.Context, vector []float32, topK int) ([]domain.ProfessorMatch, error) {
	if len(vector) == 0 {
		return nil, errors.New("pinecone: query vector must not be empty")
	}
	if topK <= 0 {
		return nil, fmt.Errorf("pinecone: topK must be positive, got %d", topK)
	}

	idx, err := c.index(ctx)
	if err != nil {
		return nil, err
	}

	res, err := idx.QueryByVectorValues(ctx, &pinecone.QueryByVectorValuesRequest{
		Vector:          vector,
		TopK:            uint32(topK),
		IncludeMetadata: true,
	})
	if err != nil {
		return nil, fmt.Errorf("pinecone: query: %w", err)
	}
	if res == nil {
		return nil, nil
	}

	matches := make([]domain.ProfessorMatch, 0, len(res.Matches))
	for _, m := range res.Matches {
		if m == nil || m.Vector == nil {
			continue
		}
		match := domain.ProfessorMatch{ID: m.Vector.Id}
		if m.Vector.Metadata != nil {
			match.Metadata = m.Vector.Metadata.AsMap()
		}
		matches = append(matches, match)
	}
	return matches, nil
}
