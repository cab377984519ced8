package sqlexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ask-mandi/server/internal/agent/model"
	errx "github.com/ask-mandi/server/internal/core/error"
	logx "github.com/ask-mandi/server/pkg/logger"
)

const executeSQLTool = "execute_sql"

var clientInfo = &mcp.Implementation{Name: "ask-mandi", Version: "v1.0.0"}

// MCPFactory opens one MCP session per request.
type MCPFactory struct {
	endpoint   string
	projectRef string
	token      string
	timeout    time.Duration

	// transport overrides the HTTP transport; tests use in-memory transports.
	transport func() mcp.Transport
}

func NewMCPFactory(endpoint, projectRef, token string, timeout time.Duration) *MCPFactory {
	return &MCPFactory{endpoint: endpoint, projectRef: projectRef, token: token, timeout: timeout}
}

func (f *MCPFactory) Open(ctx context.Context) (model.Executor, error) {
	var transport mcp.Transport
	if f.transport != nil {
		transport = f.transport()
	} else {
		if f.projectRef == "" || f.token == "" {
			return nil, errx.Config(fmt.Errorf("%w: SUPABASE_PROJECT_REF and SUPABASE_PAT are required", ErrMissingCredentials))
		}
		endpoint, err := mcpEndpoint(f.endpoint, f.projectRef)
		if err != nil {
			return nil, errx.Config(err)
		}
		transport = &mcp.StreamableClientTransport{
			Endpoint: endpoint,
			HTTPClient: &http.Client{
				Transport: &bearerTransport{token: f.token, base: http.DefaultTransport},
			},
		}
	}

	client := mcp.NewClient(clientInfo, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, errx.Upstream(fmt.Errorf("connect to MCP server: %w", err))
	}
	return &mcpExecutor{session: session, timeout: f.timeout}, nil
}

// mcpEndpoint scopes the server to one project in read-only mode.
func mcpEndpoint(base, projectRef string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse MCP url: %w", err)
	}
	q := u.Query()
	q.Set("project_ref", projectRef)
	q.Set("read_only", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(req)
}

type mcpExecutor struct {
	session *mcp.ClientSession
	timeout time.Duration
}

func (e *mcpExecutor) Execute(ctx context.Context, query string) ([]model.Row, error) {
	ctx, cancel := withTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	res, err := e.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      executeSQLTool,
		Arguments: map[string]any{"query": query},
	})
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", executeSQLTool, err)
	}

	text := toolText(res)
	if res.IsError {
		return nil, fmt.Errorf("%s failed: %s", executeSQLTool, text)
	}
	rows, err := DecodeToolRows(text)
	if err != nil {
		return nil, err
	}
	logx.Ctx(ctx).Debug().Int("rows", len(rows)).Dur("elapsed", time.Since(start)).Msg("MCP query executed")
	return rows, nil
}

func (e *mcpExecutor) Close() error {
	return e.session.Close()
}

func toolText(res *mcp.CallToolResult) string {
	var sb strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}

var errNoRowArray = errors.New("no JSON array in tool result")

// DecodeToolRows reads the row array out of an execute_sql result. The
// server may wrap the array in prose and may JSON-encode the whole text.
func DecodeToolRows(text string) ([]model.Row, error) {
	text = strings.TrimSpace(text)
	var inner string
	if strings.HasPrefix(text, `"`) && json.Unmarshal([]byte(text), &inner) == nil {
		text = inner
	}

	start := strings.Index(text, "[")
	if start < 0 {
		return nil, errNoRowArray
	}
	dec := json.NewDecoder(strings.NewReader(text[start:]))
	dec.UseNumber()
	var rows []model.Row
	if err := dec.Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode tool rows: %w", err)
	}
	for _, r := range rows {
		for k, v := range r {
			if n, ok := v.(json.Number); ok {
				r[k] = n.String()
			}
		}
	}
	return rows, nil
}
