package tools

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tomluvoe/agentgw/internal/agent"
)

// maxQueryRows bounds result sets returned to the model.
const maxQueryRows = 200

type queryDBParams struct {
	SQL string `json:"sql" jsonschema:"description=A single SELECT statement to run against the session database"`
}

// QueryDBTool runs read-only queries against the session database.
// Anything other than a single SELECT is rejected before reaching the
// database.
type QueryDBTool struct {
	db *sql.DB
}

// NewQueryDBTool creates the query tool over an open database handle.
func NewQueryDBTool(db *sql.DB) *QueryDBTool {
	return &QueryDBTool{db: db}
}

func (t *QueryDBTool) Name() string { return "query_db" }

func (t *QueryDBTool) Description() string {
	return "Run a read-only SELECT query against the session database and return the rows as JSON."
}

func (t *QueryDBTool) Schema() json.RawMessage {
	return schemaFor(&queryDBParams{})
}

func (t *QueryDBTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var args queryDBParams
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, fmt.Errorf("invalid query_db arguments: %w", err)
	}

	if err := validateSelect(args.SQL); err != nil {
		return agent.ErrorResult("%v", err), nil
	}

	rows, err := t.db.QueryContext(ctx, args.SQL)
	if err != nil {
		return agent.ErrorResult("query failed: %v", err), nil
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return agent.ErrorResult("query failed: %v", err), nil
	}

	var out []map[string]any
	for rows.Next() {
		if len(out) >= maxQueryRows {
			break
		}
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return agent.ErrorResult("query failed: %v", err), nil
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return agent.ErrorResult("query failed: %v", err), nil
	}

	if len(out) == 0 {
		return &agent.ToolResult{Content: "query returned no rows"}, nil
	}
	return jsonResult(out, false)
}

// validateSelect accepts exactly one SELECT statement. A trailing
// semicolon is tolerated; embedded statements are not.
func validateSelect(query string) error {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return fmt.Errorf("query is empty")
	}
	trimmed = strings.TrimSuffix(trimmed, ";")
	if strings.Contains(trimmed, ";") {
		return fmt.Errorf("only a single statement is allowed")
	}
	head := strings.ToUpper(trimmed)
	if !strings.HasPrefix(head, "SELECT ") && !strings.HasPrefix(head, "WITH ") {
		return fmt.Errorf("only SELECT queries are allowed")
	}
	return nil
}
