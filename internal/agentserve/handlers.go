package agentserve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/fleetscope/winops/internal/fsearch"
	"github.com/fleetscope/winops/internal/handles"
	"github.com/fleetscope/winops/internal/logging"
	"github.com/fleetscope/winops/internal/remote"
	"github.com/fleetscope/winops/internal/sessions"
	"github.com/fleetscope/winops/internal/winreg"
)

// TaskRunner executes the tasks this agent serves locally. The registry
// reader may be nil on platforms without one; the sessions task then fails
// per query instead of blocking agent startup.
type TaskRunner struct {
	localHost  string
	reader     winreg.Reader
	handleTool *handles.Tool
}

func NewTaskRunner(localHost string, reader winreg.Reader, tool *handles.Tool) *TaskRunner {
	return &TaskRunner{
		localHost:  localHost,
		reader:     reader,
		handleTool: tool,
	}
}

type taskHandler func(ctx context.Context, r *TaskRunner, args map[string]any) (any, error)

// taskRegistry maps task names to their handlers. Only read-only queries are
// served remotely; destructive operations like closing handles stay behind a
// local invocation.
var taskRegistry = map[string]taskHandler{
	remote.TaskSessions:     handleSessions,
	remote.TaskBootTime:     handleBootTime,
	remote.TaskFSSearch:     handleFSSearch,
	remote.TaskHandleSearch: handleHandleSearch,
}

// Run dispatches one request to its handler and wraps the outcome in a
// QueryResponse, centralizing timing and arg parsing.
func (r *TaskRunner) Run(ctx context.Context, req remote.QueryRequest) remote.QueryResponse {
	handler, ok := taskRegistry[req.Task]
	if !ok {
		log.Warn("no handler for task", logging.KeyTask, req.Task)
		return errorResponse(req.ID, fmt.Errorf("unknown task %q", req.Task))
	}

	var args map[string]any
	if len(req.Args) > 0 {
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return errorResponse(req.ID, fmt.Errorf("malformed args: %w", err))
		}
	}

	start := time.Now()
	data, err := handler(ctx, r, args)
	if err != nil {
		log.Warn("task failed",
			logging.KeyTask, req.Task,
			logging.KeyQueryID, req.ID,
			logging.KeyError, err)
		return errorResponse(req.ID, err)
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return errorResponse(req.ID, fmt.Errorf("marshal payload: %w", err))
	}

	log.Debug("task complete",
		logging.KeyTask, req.Task,
		logging.KeyQueryID, req.ID,
		logging.KeyDurationMs, time.Since(start).Milliseconds())

	return remote.QueryResponse{
		ID:      req.ID,
		Status:  remote.StatusSuccess,
		Payload: payload,
	}
}

func errorResponse(id string, err error) remote.QueryResponse {
	return remote.QueryResponse{
		ID:     id,
		Status: remote.StatusError,
		Error:  err.Error(),
	}
}

func handleSessions(ctx context.Context, r *TaskRunner, _ map[string]any) (any, error) {
	if r.reader == nil {
		return nil, winreg.ErrUnsupported
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	recs, err := sessions.CollectHive(r.reader, r.localHost)
	if err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []sessions.UserSession{}
	}
	return recs, nil
}

func handleBootTime(ctx context.Context, _ *TaskRunner, _ map[string]any) (any, error) {
	epoch, err := host.BootTimeWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("boot time: %w", err)
	}
	return map[string]int64{"bootEpoch": int64(epoch)}, nil
}

func handleFSSearch(ctx context.Context, _ *TaskRunner, args map[string]any) (any, error) {
	opts := fsearch.Options{
		Root:       argString(args, "root", ""),
		Pattern:    argString(args, "pattern", ""),
		Kind:       argString(args, "kind", ""),
		MaxResults: argInt(args, "maxResults", 0),
		MaxDepth:   argInt(args, "maxDepth", 0),
	}
	if secs := argInt(args, "timeoutSeconds", 0); secs > 0 {
		opts.Timeout = time.Duration(secs) * time.Second
	}
	return fsearch.Search(ctx, opts)
}

func handleHandleSearch(ctx context.Context, r *TaskRunner, args map[string]any) (any, error) {
	pattern := argString(args, "pattern", "")
	if pattern == "" {
		return nil, errors.New("empty handle search pattern")
	}

	var (
		entries []handles.Entry
		err     error
	)
	if argBool(args, "native", false) {
		entries, err = handles.NativeSearch(pattern, queryTimeout)
	} else {
		if r.handleTool == nil {
			return nil, errors.New("handle tool not configured")
		}
		entries, err = r.handleTool.Search(ctx, pattern)
	}
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []handles.Entry{}
	}
	return entries, nil
}

// Arg helpers tolerate missing keys and JSON's float64 numbers.

func argString(args map[string]any, key, def string) string {
	if v, ok := args[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

func argInt(args map[string]any, key string, def int) int {
	if v, ok := args[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return def
}

func argBool(args map[string]any, key string, def bool) bool {
	if v, ok := args[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}
